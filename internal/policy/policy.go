// Package policy implements structural deny heuristics over agent tool
// calls: secret-file access, pipe-to-shell, data egress, and secret
// environment variables in URLs. Decisions are values, not errors; a nil
// decision means the heuristics have nothing to say about the call.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/outpostlabs/outpost/internal/logger"
	"github.com/outpostlabs/outpost/internal/metrics"
)

// Action is what a matched heuristic asks the gate to do
type Action string

const (
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
	ActionAllow Action = "allow"
)

// Layer indicates the precedence of a decision
type Layer string

const (
	// LayerHardDeny overrides any configured rule layers
	LayerHardDeny Layer = "hard_deny"
	// LayerRule is an ordinary configured rule
	LayerRule Layer = "rule"
)

// Setting configures a single heuristic; empty means disabled
type Setting string

const (
	SettingDeny     Setting = "deny"
	SettingAsk      Setting = "ask"
	SettingAllow    Setting = "allow"
	SettingDisabled Setting = ""
)

func (s Setting) enabled() bool { return s != SettingDisabled }

func (s Setting) action() Action {
	switch s {
	case SettingAsk:
		return ActionAsk
	case SettingAllow:
		return ActionAllow
	default:
		return ActionDeny
	}
}

// ResolvedHeuristics maps each heuristic to its configured setting
type ResolvedHeuristics struct {
	SecretFileAccess Setting `json:"secretFileAccess"`
	PipeToShell      Setting `json:"pipeToShell"`
	DataEgress       Setting `json:"dataEgress"`
	SecretEnvInURL   Setting `json:"secretEnvInUrl"`
}

// DefaultHeuristics enables every heuristic at deny
func DefaultHeuristics() ResolvedHeuristics {
	return ResolvedHeuristics{
		SecretFileAccess: SettingDeny,
		PipeToShell:      SettingDeny,
		DataEgress:       SettingDeny,
		SecretEnvInURL:   SettingDeny,
	}
}

// Decision is the outcome of evaluating a tool call
type Decision struct {
	Action    Action `json:"action"`
	Reason    string `json:"reason"`
	Layer     Layer  `json:"layer"`
	RuleLabel string `json:"ruleLabel"`
}

// GateRequest describes a tool call to evaluate
type GateRequest struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Gate is the permission-approval collaborator consulted on tool calls
type Gate interface {
	// Evaluate returns a decision for the request, or nil for no opinion
	Evaluate(req *GateRequest) *Decision

	// DestroySessionGuard releases per-session gate state after a failed start
	DestroySessionGuard(sessionID string)
}

// Engine evaluates the fixed heuristic set. It satisfies Gate.
type Engine struct {
	cfg ResolvedHeuristics
}

// NewEngine creates a heuristics engine with the given configuration
func NewEngine(cfg ResolvedHeuristics) *Engine {
	return &Engine{cfg: cfg}
}

// DestroySessionGuard is a noop: the engine holds no per-session state.
func (e *Engine) DestroySessionGuard(sessionID string) {}

// Evaluate applies the heuristics to a tool call. Returns nil when no
// heuristic matches.
func (e *Engine) Evaluate(req *GateRequest) *Decision {
	if req == nil {
		return nil
	}

	var d *Decision
	switch req.Tool {
	case "read":
		d = e.evaluateRead(req.Input)
	case "bash":
		d = e.evaluateBash(req.Input)
	}

	if d != nil {
		metrics.RecordPolicyDecision(d.RuleLabel, string(d.Action))
		if d.Action != ActionAllow {
			logger.Info("policy %s (%s): %s", d.Action, d.RuleLabel, d.Reason)
		}
	}
	return d
}

func (e *Engine) evaluateRead(input map[string]any) *Decision {
	if !e.cfg.SecretFileAccess.enabled() {
		return nil
	}
	path := stringField(input, "path")
	if path == "" {
		path = stringField(input, "file_path")
	}
	if path != "" && isSecretPath(path) {
		return e.secretFileDecision(path)
	}
	return nil
}

func (e *Engine) evaluateBash(input map[string]any) *Decision {
	cmd := stringField(input, "command")
	if cmd == "" {
		return nil
	}
	for _, segment := range splitChain(cmd) {
		if d := e.evaluateSegment(segment); d != nil {
			return d
		}
	}
	return nil
}

// evaluateSegment applies each heuristic to one chain segment.
// Secret-file matches win first (hard deny layer), then the rule layers
// in fixed order. First match wins.
func (e *Engine) evaluateSegment(segment string) *Decision {
	stages := splitPipeline(segment)

	if e.cfg.SecretFileAccess.enabled() {
		for _, stage := range stages {
			if d := e.secretFileStage(stage); d != nil {
				return d
			}
		}
		// Command substitutions get the same treatment as top-level stages
		for _, sub := range substitutions(segment) {
			for _, subSeg := range splitChain(sub) {
				for _, stage := range splitPipeline(subSeg) {
					if d := e.secretFileStage(stage); d != nil {
						return d
					}
				}
			}
		}
	}

	if e.cfg.PipeToShell.enabled() && pipeToShellRe.MatchString(segment) {
		return &Decision{
			Action:    e.cfg.PipeToShell.action(),
			Reason:    "command pipes downloaded or generated content into a shell",
			Layer:     LayerRule,
			RuleLabel: "pipe_to_shell",
		}
	}

	if e.cfg.DataEgress.enabled() {
		for _, stage := range stages {
			if reason := dataEgressMatch(stage); reason != "" {
				return &Decision{
					Action:    e.cfg.DataEgress.action(),
					Reason:    reason,
					Layer:     LayerRule,
					RuleLabel: "data_egress",
				}
			}
		}
	}

	if e.cfg.SecretEnvInURL.enabled() {
		for _, stage := range stages {
			if envName := secretEnvInURLMatch(stage); envName != "" {
				return &Decision{
					Action:    e.cfg.SecretEnvInURL.action(),
					Reason:    fmt.Sprintf("URL references secret environment variable $%s", envName),
					Layer:     LayerRule,
					RuleLabel: "secret_env_in_url",
				}
			}
		}
	}

	return nil
}

// readerExecutables are programs whose arguments are treated as file reads
var readerExecutables = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"grep": true, "rg": true, "awk": true, "sed": true,
}

func (e *Engine) secretFileStage(stage string) *Decision {
	tokens := tokenize(stage)
	if len(tokens) == 0 {
		return nil
	}
	if !readerExecutables[executableName(tokens)] {
		return nil
	}
	for _, arg := range tokens[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if isSecretPath(arg) {
			return e.secretFileDecision(arg)
		}
	}
	return nil
}

func (e *Engine) secretFileDecision(path string) *Decision {
	return &Decision{
		Action:    e.cfg.SecretFileAccess.action(),
		Reason:    fmt.Sprintf("access to secret file %s", path),
		Layer:     LayerHardDeny,
		RuleLabel: "secret_file_access",
	}
}

// secretDirs are credential directories matched home-relative or absolute
var secretDirs = []string{".ssh", ".aws", ".gnupg", ".docker", ".kube", ".azure"}

// secretConfigSubdirs are credential subdirectories of ~/.config
var secretConfigSubdirs = []string{"gh", "gcloud"}

// secretDotfiles are credential dotfiles matched by basename
var secretDotfiles = map[string]bool{".npmrc": true, ".netrc": true, ".pypirc": true}

// isSecretPath reports whether a path points at credential material
func isSecretPath(p string) bool {
	if p == "" {
		return false
	}
	for _, dir := range secretDirs {
		if strings.Contains(p, "/"+dir+"/") || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	for _, sub := range secretConfigSubdirs {
		if strings.Contains(p, "/.config/"+sub+"/") || strings.HasPrefix(p, ".config/"+sub+"/") {
			return true
		}
	}

	base := p
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		base = p[i+1:]
	}
	if secretDotfiles[base] {
		return true
	}
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return true
	}
	return false
}

var pipeToShellRe = regexp.MustCompile(`\|\s*(ba)?sh\b`)

// curlEgressFlags are curl flags that upload data
var curlEgressFlags = map[string]bool{
	"-d": true, "--data": true, "--data-raw": true, "--data-binary": true,
	"--data-urlencode": true, "-F": true, "--form": true, "--form-string": true,
	"-T": true, "--upload-file": true, "--json": true,
}

// wgetEgressFlags are wget flags that upload data
var wgetEgressFlags = map[string]bool{
	"--post-data": true, "--post-file": true,
}

var writeMethods = map[string]bool{
	"POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// dataEgressMatch returns a reason when a stage uploads data via curl or
// wget, else ""
func dataEgressMatch(stage string) string {
	tokens := tokenize(stage)
	if len(tokens) == 0 {
		return ""
	}

	switch executableName(tokens) {
	case "curl":
		for i, tok := range tokens {
			if curlEgressFlags[tok] {
				return fmt.Sprintf("curl %s uploads data", tok)
			}
			if flag, _, found := strings.Cut(tok, "="); found && curlEgressFlags[flag] {
				return fmt.Sprintf("curl %s uploads data", flag)
			}
			// -X POST and --request POST, plus the compact -XPOST form
			if tok == "-X" || tok == "--request" {
				if i+1 < len(tokens) && writeMethods[strings.ToUpper(tokens[i+1])] {
					return fmt.Sprintf("curl explicit %s request", strings.ToUpper(tokens[i+1]))
				}
			}
			if method, ok := strings.CutPrefix(tok, "-X"); ok && writeMethods[strings.ToUpper(method)] {
				return fmt.Sprintf("curl explicit %s request", strings.ToUpper(method))
			}
			if method, ok := strings.CutPrefix(tok, "--request="); ok && writeMethods[strings.ToUpper(method)] {
				return fmt.Sprintf("curl explicit %s request", strings.ToUpper(method))
			}
		}
	case "wget":
		for _, tok := range tokens {
			if wgetEgressFlags[tok] {
				return fmt.Sprintf("wget %s uploads data", tok)
			}
			if flag, _, found := strings.Cut(tok, "="); found && wgetEgressFlags[flag] {
				return fmt.Sprintf("wget %s uploads data", flag)
			}
		}
	}
	return ""
}

var envRefRe = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// secretNameFragments flag environment variable names that look like secrets
var secretNameFragments = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL", "AUTH"}

// secretEnvInURLMatch returns the offending variable name when a curl or
// wget argument contains an http(s) URL referencing a secret-looking
// environment variable, else ""
func secretEnvInURLMatch(stage string) string {
	tokens := tokenize(stage)
	if len(tokens) == 0 {
		return ""
	}
	exe := executableName(tokens)
	if exe != "curl" && exe != "wget" {
		return ""
	}
	for _, arg := range tokens[1:] {
		if !strings.Contains(arg, "http://") && !strings.Contains(arg, "https://") {
			continue
		}
		for _, m := range envRefRe.FindAllStringSubmatch(arg, -1) {
			name := strings.ToUpper(m[1])
			for _, frag := range secretNameFragments {
				if strings.Contains(name, frag) {
					return m[1]
				}
			}
		}
	}
	return ""
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	if s, ok := input[key].(string); ok {
		return s
	}
	return ""
}

package health

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"net"
	"regexp"
	"strings"
	"text/template"
	"time"

	"golang.org/x/crypto/ssh"
)

//go:embed scripts/bootstrap.sh.tmpl
var scriptsFS embed.FS

// bootstrapParams is the data rendered into the SSH bootstrap script
// (§4.4.1).
type bootstrapParams struct {
	AgentDownloadURL         string
	EngineImage              string
	ModelExternalID          string
	EnginePort               int
	HealthPort               int
	HeartbeatIntervalSeconds int
	WorkerAuthToken          string
	StickySessionHeader      string
}

// bootstrapResult is what the prober records to action-log metadata after
// running the script (§4.4.1).
type bootstrapResult struct {
	Phases     []string
	LastPhase  string
	StdoutTail string
	StderrTail string
	ExitCode   int
}

var phaseMarker = regexp.MustCompile(`^::phase::(.+)$`)

func renderBootstrapScript(p bootstrapParams) (string, error) {
	raw, err := scriptsFS.ReadFile("scripts/bootstrap.sh.tmpl")
	if err != nil {
		return "", fmt.Errorf("read bootstrap script template: %w", err)
	}
	tmpl, err := template.New("bootstrap").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse bootstrap script template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("render bootstrap script template: %w", err)
	}
	return buf.String(), nil
}

// runSSHBootstrap uploads (via a heredoc) and executes the rendered
// bootstrap script over an operator-key-authenticated SSH session,
// parsing ::phase:: markers from combined stdout/stderr (§4.4.1).
func runSSHBootstrap(ctx context.Context, address string, signer ssh.Signer, connectTimeout, overallTimeout time.Duration, script string) (*bootstrapResult, error) {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	clientCfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:22", address))
	if err != nil {
		return nil, fmt.Errorf("ssh bootstrap: dial: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh bootstrap: handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh bootstrap: new session: %w", err)
	}
	defer session.Close()

	var combined bytes.Buffer
	session.Stdout = &combined
	session.Stderr = &combined

	cmd := "bash -s <<'FLEET_BOOTSTRAP_EOF'\n" + script + "\nFLEET_BOOTSTRAP_EOF"

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(cmd) }()

	var exitCode int
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return parseBootstrapOutput(combined.String(), -1), ctx.Err()
	case err := <-runErr:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return parseBootstrapOutput(combined.String(), -1), fmt.Errorf("ssh bootstrap: run: %w", err)
			}
		}
	}

	result := parseBootstrapOutput(combined.String(), exitCode)
	if exitCode != 0 {
		return result, fmt.Errorf("ssh bootstrap: script exited %d, last phase %q", exitCode, result.LastPhase)
	}
	return result, nil
}

func parseBootstrapOutput(output string, exitCode int) *bootstrapResult {
	var phases []string
	for _, line := range strings.Split(output, "\n") {
		if m := phaseMarker.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			phases = append(phases, m[1])
		}
	}
	lastPhase := ""
	if len(phases) > 0 {
		lastPhase = phases[len(phases)-1]
	}
	return &bootstrapResult{
		Phases:     phases,
		LastPhase:  lastPhase,
		StdoutTail: tail(output, 4096),
		StderrTail: "",
		ExitCode:   exitCode,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshPort is where every beacon's sshd listens.
const sshPort = "22"

// sshExecutor runs one command on a beacon using a freshly minted
// certificate. Implementations must never invoke a shell with
// uninterpolated input; the command string is already rendered and
// sanitized by the caller.
type sshExecutor interface {
	Run(ctx context.Context, host, principal string, cert *issuedCert, command string) (string, error)
}

type sshRunner struct {
	timeout time.Duration
}

func newSSHRunner() *sshRunner {
	return &sshRunner{timeout: 30 * time.Second}
}

// Run dials the beacon with certificate auth and executes command,
// returning combined output. The cert's ephemeral private key is held in
// memory only for the duration of the call.
func (r *sshRunner) Run(ctx context.Context, host, principal string, cert *issuedCert, command string) (string, error) {
	if cert.PrivateKey == "" {
		return "", fmt.Errorf("certificate response carried no private key")
	}
	keySigner, err := ssh.ParsePrivateKey([]byte(cert.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse ephemeral key: %w", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cert.Certificate))
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	sshCert, ok := pub.(*ssh.Certificate)
	if !ok {
		return "", fmt.Errorf("signed blob is not a certificate")
	}
	certSigner, err := ssh.NewCertSigner(sshCert, keySigner)
	if err != nil {
		return "", fmt.Errorf("build cert signer: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User: principal,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(certSigner)},
		// Beacons are provisioned with TrustedUserCAKeys out of band; host
		// trust is anchored server-side, not here.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addr := net.JoinHostPort(host, sshPort)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake: %w", err)
	}
	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("remote command: %w", err)
	}
	return out.String(), nil
}

// sinceRe bounds the journal lookback expression to a simple relative form.
var sinceRe = regexp.MustCompile(`^\d{1,4} (minute|minutes|hour|hours) ago$`)

// boundedSince validates the caller-supplied lookback, defaulting to 15
// minutes.
func boundedSince(since string) string {
	if sinceRe.MatchString(since) {
		return since
	}
	return "15 minutes ago"
}

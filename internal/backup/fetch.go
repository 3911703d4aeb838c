package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/otops/backhaul/internal/errors"
	"github.com/otops/backhaul/internal/logger"
	"github.com/otops/backhaul/internal/util"
	"github.com/otops/backhaul/pkg/sshexpect"
)

// FetchResult records one downloaded backup file.
type FetchResult struct {
	Remote string
	Local  string
	Bytes  int64
}

// Fetcher downloads finished backup files from the gateway to the local
// machine. Unlike the interactive shell layer it uses plain one-shot exec
// sessions: the file lives on the gateway itself, no nested hop is needed,
// and `cat` over an SSH session streams arbitrarily large archives without
// staging them in memory.
type Fetcher struct {
	gateway sshexpect.Endpoint
	timeout time.Duration
	log     logger.Logger
}

// NewFetcher builds a Fetcher for the given gateway.
func NewFetcher(gateway sshexpect.Endpoint, connectTimeout time.Duration, log logger.Logger) *Fetcher {
	if log == nil {
		log = logger.Default()
	}
	if connectTimeout == 0 {
		connectTimeout = 60 * time.Second
	}
	return &Fetcher{gateway: gateway, timeout: connectTimeout, log: log}
}

// Fetch downloads remotePath from the gateway into destDir, keeping the
// remote file name. The destination directory is created if missing.
func (f *Fetcher) Fetch(remotePath, destDir string) (FetchResult, error) {
	result := FetchResult{
		Remote: remotePath,
		Local:  filepath.Join(destDir, filepath.Base(remotePath)),
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return result, errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot create backup destination directory: "+destDir,
			"Check the backup.destination setting and directory permissions")
	}

	client, err := f.dial()
	if err != nil {
		return result, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return result, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session on the gateway",
			"The gateway may limit concurrent sessions")
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return result, errors.Wrap(err, "Failed to open session stdout")
	}

	if err := session.Start("cat " + util.ShellQuote(remotePath)); err != nil {
		return result, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to start file read on the gateway", "")
	}

	local, err := os.Create(result.Local)
	if err != nil {
		return result, errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot create local file: "+result.Local,
			"Check directory permissions and free space")
	}
	defer local.Close()

	n, err := io.Copy(local, stdout)
	if err != nil {
		return result, errors.Wrap(err, "Download interrupted: "+remotePath)
	}
	result.Bytes = n

	// A non-zero cat exit means the remote file was unreadable; whatever
	// was copied so far is garbage.
	if err := session.Wait(); err != nil {
		os.Remove(result.Local)
		return result, errors.WrapWithCode(err, errors.ErrNotFound,
			fmt.Sprintf("Gateway could not read %s", remotePath),
			"The backup file may have been moved or cleaned up")
	}

	f.log.Info("[fetch] %s -> %s (%d bytes)", remotePath, result.Local, n)
	return result, nil
}

func (f *Fetcher) dial() (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User: f.gateway.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(f.gateway.Secret),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         f.timeout,
	}
	client, err := ssh.Dial("tcp", f.gateway.Addr(), config)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrGatewayConn,
			"Can't reach the gateway at "+f.gateway.Addr(),
			"Make sure the gateway is reachable: ping "+f.gateway.Host)
	}
	return client, nil
}

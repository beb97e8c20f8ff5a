// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fetch

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 30 * time.Second

// Conn is an sftp session over its own ssh connection.
type Conn struct {
	*sftp.Client
	ssh *ssh.Client
}

// Close ends the sftp session and the ssh connection.
func (c *Conn) Close() error {
	err := c.Client.Close()
	if cerr := c.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

// DefaultKnownHosts returns ~/.ssh/known_hosts.
func DefaultKnownHosts() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// Dial logs into server with a password. The host key has to be listed in
// the known hosts file.
func Dial(server string, port int, user, password, knownHostsFile string) (*Conn, error) {
	hostKeys, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w", knownHostsFile, err)
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}
	addr := net.JoinHostPort(server, strconv.Itoa(port))
	sshClient, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s@%s: %w", user, addr, err)
	}
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("start sftp on %s: %w", addr, err)
	}
	return &Conn{Client: client, ssh: sshClient}, nil
}

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/blnkfinance/courier/config"
	"github.com/blnkfinance/courier/model"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSFTPPort = 22

// SFTP uploads the file into the target directory and verifies the remote size.
type SFTP struct {
	cfg config.SFTPConfig
}

func NewSFTP(cfg config.SFTPConfig) *SFTP {
	return &SFTP{cfg: cfg}
}

func (s *SFTP) Send(ctx context.Context, file File, target model.DeliveryTarget) (*Receipt, error) {
	if target.SFTP == nil {
		return nil, errors.New("sftp target is missing")
	}
	t := target.SFTP

	clientConfig, err := s.clientConfig(t.Username)
	if err != nil {
		return nil, err
	}

	port := t.Port
	if port == 0 {
		port = defaultSFTPPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "ssh handshake with %s failed", addr)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer func() { _ = sshClient.Close() }()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start sftp session")
	}
	defer func() { _ = client.Close() }()

	remote, err := upload(client, t.Path, file)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		Location:  fmt.Sprintf("sftp://%s%s", addr, remote),
		BytesSent: file.Size(),
	}, nil
}

func (s *SFTP) clientConfig(username string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if s.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read sftp private key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse sftp private key")
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		auth = append(auth, ssh.Password(s.cfg.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no sftp credentials configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if s.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(s.cfg.KnownHostsPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load known_hosts")
		}
		hostKeyCallback = cb
	} else {
		logrus.Warn("sftp known_hosts not configured, host keys are not verified")
	}

	timeout := time.Duration(s.cfg.TimeoutSec) * time.Second
	return &ssh.ClientConfig{
		User:            username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// upload writes the file under dir and checks that the remote copy has the expected size.
func upload(client *sftp.Client, dir string, file File) (string, error) {
	if err := client.MkdirAll(dir); err != nil {
		return "", errors.Wrapf(err, "failed to create remote directory %s", dir)
	}

	remotePath := path.Join(dir, path.Base(file.Name))
	f, err := client.Create(remotePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to create remote file %s", remotePath)
	}
	if _, err := f.Write(file.Content); err != nil {
		_ = f.Close()
		return "", errors.Wrapf(err, "failed to write remote file %s", remotePath)
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrapf(err, "failed to close remote file %s", remotePath)
	}

	info, err := client.Stat(remotePath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to verify remote file %s", remotePath)
	}
	if info.Size() != file.Size() {
		return "", fmt.Errorf("remote file %s is %d bytes, expected %d", remotePath, info.Size(), file.Size())
	}
	return remotePath, nil
}

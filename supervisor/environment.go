// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
)

// External programs run by children
type Commands struct {
	// the data service's command-line client
	Rucio string `json:"rucio"`
	// VOMS proxy generator
	VomsProxyInit string `json:"voms_proxy_init"`
	// proxy generator used when voms-proxy-init is absent
	GridProxyInit string `json:"grid_proxy_init"`
}

// Returns the commands named in the service configuration.
func ConfiguredCommands() Commands {
	return Commands{
		Rucio:         config.Service.Commands.Rucio,
		VomsProxyInit: config.Service.Commands.VomsProxyInit,
		GridProxyInit: config.Service.Commands.GridProxyInit,
	}
}

// What a child needs to act on behalf of a user at an instance
type Session struct {
	Instance    config.InstanceConfig `json:"instance"`
	Credentials auth.Credentials      `json:"credentials"`
	Commands    Commands              `json:"commands"`
}

// a key/value line of the [client] section of rucio.cfg
type cfgEntry struct {
	Key, Value string
}

// Prepares the scratch directory for the data service's client and returns
// the environment under which it must run. The directory receives
// etc/rucio.cfg and read-only copies of any credential files.
func (s Session) prepareEnvironment(ctx context.Context, scratch string) ([]string, error) {
	env := []string{"RUCIO_HOME=" + scratch}
	if s.Instance.SiteName != "" {
		env = append(env, "SITE_NAME="+s.Instance.SiteName)
	}

	entries := []cfgEntry{
		{"rucio_host", s.Instance.RucioBaseURL},
		{"auth_host", s.Instance.AuthURL()},
	}
	creds := s.Credentials
	switch creds.Type {
	case auth.UserPass:
		entries = append(entries,
			cfgEntry{"auth_type", "userpass"},
			cfgEntry{"username", creds.Username},
			cfgEntry{"password", creds.Password},
		)
	case auth.X509:
		cert := filepath.Join(scratch, "usercert.pem")
		key := filepath.Join(scratch, "userkey.pem")
		if err := copyFile(creds.Certificate, cert, 0400); err != nil {
			return nil, err
		}
		if err := copyFile(creds.Key, key, 0400); err != nil {
			return nil, err
		}
		env = append(env, "X509_USER_CERT="+cert, "X509_USER_KEY="+key)
		if proxy := s.createProxy(ctx, cert, key, filepath.Join(scratch, "x509up")); proxy != "" {
			env = append(env, "X509_USER_PROXY="+proxy)
			entries = append(entries,
				cfgEntry{"auth_type", "x509_proxy"},
				cfgEntry{"client_x509_proxy", proxy},
			)
		} else {
			entries = append(entries,
				cfgEntry{"auth_type", "x509"},
				cfgEntry{"client_cert", cert},
				cfgEntry{"client_key", key},
			)
		}
	case auth.X509Proxy:
		proxy := filepath.Join(scratch, "x509up")
		if err := copyFile(creds.Proxy, proxy, 0400); err != nil {
			return nil, err
		}
		env = append(env, "X509_USER_PROXY="+proxy)
		entries = append(entries,
			cfgEntry{"auth_type", "x509_proxy"},
			cfgEntry{"client_x509_proxy", proxy},
		)
	case auth.OIDC:
		token, err := auth.OIDCToken(s.Instance.OIDCAuth, s.Instance.OIDCEnvName, s.Instance.OIDCFileName)
		if err != nil {
			return nil, err
		}
		tokenFile := filepath.Join(scratch, "auth_token")
		if err := os.WriteFile(tokenFile, []byte(token), 0400); err != nil {
			return nil, err
		}
		entries = append(entries,
			cfgEntry{"auth_type", "oidc"},
			cfgEntry{"auth_token_file_path", tokenFile},
		)
	default:
		return nil, &auth.InvalidCredentialError{
			Type:    string(creds.Type),
			Message: "unsupported authentication type",
		}
	}
	if creds.Account != "" {
		entries = append(entries, cfgEntry{"account", creds.Account})
	}
	if s.Instance.RucioCACert != "" {
		entries = append(entries, cfgEntry{"ca_cert", s.Instance.RucioCACert})
	}
	if s.Instance.VO != "" {
		entries = append(entries, cfgEntry{"vo", s.Instance.VO})
	}
	if err := writeRucioConfig(scratch, entries); err != nil {
		return nil, err
	}
	return env, nil
}

// writes <scratch>/etc/rucio.cfg with a single [client] section
func writeRucioConfig(scratch string, entries []cfgEntry) error {
	dir := filepath.Join(scratch, "etc")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	var cfg bytes.Buffer
	cfg.WriteString("[client]\n")
	for _, entry := range entries {
		// values can't span lines in an INI file
		value := strings.NewReplacer("\n", " ", "\r", " ").Replace(entry.Value)
		fmt.Fprintf(&cfg, "%s = %s\n", entry.Key, value)
	}
	return os.WriteFile(filepath.Join(dir, "rucio.cfg"), cfg.Bytes(), 0600)
}

// Generates an X.509 proxy at the given path, returning the path, or an empty
// string if no proxy could be made.
func (s Session) createProxy(ctx context.Context, cert, key, out string) string {
	args := []string{"-cert", cert, "-key", key, "-out", out}
	program, err := exec.LookPath(s.Commands.VomsProxyInit)
	if err == nil {
		if s.Instance.VOMSEnabled && s.Instance.VO != "" {
			args = append(args, "-voms", s.Instance.VO)
		}
	} else {
		program, err = exec.LookPath(s.Commands.GridProxyInit)
		if err != nil {
			slog.Info("No proxy generator found, using certificate authentication")
			return ""
		}
	}
	cmd := exec.CommandContext(ctx, program, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		slog.Warn(fmt.Sprintf("%s failed (%s): %s", filepath.Base(program), err,
			strings.TrimSpace(output.String())))
		return ""
	}
	if _, err := os.Stat(out); err != nil {
		slog.Warn(fmt.Sprintf("%s produced no proxy", filepath.Base(program)))
		return ""
	}
	return out
}

// copies a file, giving the copy the given permissions
func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// runs the data service's client with the given arguments in the prepared
// environment, sending its output to w
func (s Session) runClient(ctx context.Context, env []string, w io.Writer, args ...string) error {
	program, err := exec.LookPath(s.Commands.Rucio)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = w
	cmd.Stderr = w
	slog.Debug(fmt.Sprintf("Running %s %s", program, strings.Join(args, " ")))
	return cmd.Run()
}

// returns a short name for the type of the given error
func exceptionClass(err error) string {
	class := fmt.Sprintf("%T", err)
	if i := strings.LastIndexByte(class, '.'); i >= 0 {
		class = class[i+1:]
	}
	return class
}

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
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rucio/jupyterlab-bridge/auth"
	"github.com/rucio/jupyterlab-bridge/config"
	"github.com/rucio/jupyterlab-bridge/dtstest"
)

var TESTING_DIR string

var commands Commands

var instance = config.InstanceConfig{
	Name:         "atlas",
	DisplayName:  "ATLAS",
	RucioBaseURL: "https://rucio.example.org",
	RucioAuthURL: "https://rucio-auth.example.org",
	Mode:         config.ModeDownload,
	VO:           "atlas",
	VOMSEnabled:  true,
	SiteName:     "CERN",
}

var userpass = auth.Credentials{
	Type:     auth.UserPass,
	Username: "jdoe",
	Password: "secret",
	Account:  "jdoe",
}

// writes an executable script into the testing directory
func writeScript(name, content string) string {
	path, err := dtstest.WriteScript(TESTING_DIR, name, content)
	if err != nil {
		panic(err)
	}
	return path
}

// returns a supervisor whose children run this test binary
func testSupervisor() *Supervisor {
	return &Supervisor{
		Command: []string{os.Args[0]},
		Env:     []string{"RUCIO_BRIDGE_TEST_CHILD=1"},
	}
}

func downloadJob(t *testing.T, did string) DownloadJob {
	root, err := os.MkdirTemp(TESTING_DIR, "downloads-")
	require.Nil(t, err)
	return DownloadJob{
		Session: Session{Instance: instance, Credentials: userpass, Commands: commands},
		DID:     did,
		Files:   []string{did},
		Folder:  DownloadFolder(root, "atlas", did),
	}
}

func TestDownloadFolder(t *testing.T) {
	assert.Equal(t, "/home/u/rucio/atlas/downloads/om5gm===", DownloadFolder("/home/u/rucio", "atlas", "s:f"))
	assert.Equal(t, "/home/u/rucio/atlas/uploads/1234", UploadFolder("/home/u/rucio", "atlas", "1234"))
}

func TestLockfile(t *testing.T) {
	assert := assert.New(t)
	folder, err := os.MkdirTemp(TESTING_DIR, "lock-")
	require.Nil(t, err)

	assert.Nil(AcquireLock(folder))
	err = AcquireLock(folder)
	assert.IsType(&LockedError{}, err)
	assert.Equal(os.Getpid(), err.(*LockedError).Pid)

	held, err := ClearStaleLock(folder)
	assert.Nil(err)
	assert.True(held)

	assert.Nil(ReleaseLock(folder))
	assert.Nil(ReleaseLock(folder))
	assert.Nil(AcquireLock(folder))
	assert.Nil(ReleaseLock(folder))
}

// returns the PID of a process that has exited and been reaped
func deadPid(t *testing.T) int {
	cmd := exec.Command("true")
	require.Nil(t, cmd.Run())
	return cmd.Process.Pid
}

func TestIsAlive(t *testing.T) {
	assert := assert.New(t)
	assert.True(IsAlive(os.Getpid()))
	assert.False(IsAlive(deadPid(t)))
	assert.False(IsAlive(0))
}

func TestZombieIsNotAlive(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("zombie detection needs procfs")
	}
	cmd := exec.Command("true")
	require.Nil(t, cmd.Start())
	defer cmd.Wait()

	// wait for the child to exit without reaping it
	stat := fmt.Sprintf("/proc/%d/stat", cmd.Process.Pid)
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(stat)
		return err == nil && strings.Contains(string(data), ") Z ")
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, IsAlive(cmd.Process.Pid))
}

func TestStaleLockIsCleared(t *testing.T) {
	assert := assert.New(t)
	folder, err := os.MkdirTemp(TESTING_DIR, "stale-")
	require.Nil(t, err)
	lock := filepath.Join(folder, LockFile)
	require.Nil(t, os.WriteFile(lock, []byte(fmt.Sprintf("%d", deadPid(t))), 0644))

	status, err := Inspect(folder)
	assert.Nil(err)
	assert.Equal(Failed, status.State)

	held, err := ClearStaleLock(folder)
	assert.Nil(err)
	assert.False(held)
	assert.NoFileExists(lock)
}

func TestInspect(t *testing.T) {
	assert := assert.New(t)
	root, err := os.MkdirTemp(TESTING_DIR, "inspect-")
	require.Nil(t, err)
	folder := filepath.Join(root, "job")

	status, err := Inspect(folder)
	assert.Nil(err)
	assert.Equal(Absent, status.State)

	require.Nil(t, os.MkdirAll(folder, 0755))
	require.Nil(t, AcquireLock(folder))
	require.Nil(t, writeRecord(filepath.Join(folder, DoneFile), DoneRecord{}))
	status, err = Inspect(folder)
	assert.Nil(err)
	assert.Equal(Running, status.State)
	require.Nil(t, ReleaseLock(folder))

	require.Nil(t, writeRecord(filepath.Join(folder, DoneFile),
		DoneRecord{Paths: map[string]string{"s:f": "/x/s/f"}}))
	status, err = Inspect(folder)
	assert.Nil(err)
	assert.Equal(Done, status.State)
	assert.Equal("/x/s/f", status.Paths["s:f"])

	require.Nil(t, os.Remove(filepath.Join(folder, DoneFile)))
	require.Nil(t, writeRecord(filepath.Join(folder, ErrorFile), ErrorRecord{
		Error:            "DownloadFailed",
		ExceptionClass:   "DownloadFailedError",
		ExceptionMessage: "boom",
	}))
	status, err = Inspect(folder)
	assert.Nil(err)
	assert.Equal(Failed, status.State)
	assert.Equal("boom", status.Error.ExceptionMessage)
}

func TestDownloadSucceeds(t *testing.T) {
	assert := assert.New(t)
	job := downloadJob(t, "s:f")

	child, err := testSupervisor().StartDownload(job)
	require.Nil(t, err)
	assert.Nil(child.Wait())

	status, err := Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Done, status.State)
	path := filepath.Join(job.Folder, "s", "f")
	assert.Equal(map[string]string{"s:f": path}, status.Paths)
	assert.FileExists(path)
	assert.NoFileExists(filepath.Join(job.Folder, LockFile))

	cfg, err := os.ReadFile(filepath.Join(job.Folder, "rucio.cfg.seen"))
	assert.Nil(err)
	assert.Equal(`[client]
rucio_host = https://rucio.example.org
auth_host = https://rucio-auth.example.org
auth_type = userpass
username = jdoe
password = secret
account = jdoe
vo = atlas
`, string(cfg))
	env, err := os.ReadFile(filepath.Join(job.Folder, "env.seen"))
	assert.Nil(err)
	assert.Equal("SITE_NAME=CERN\n", string(env))
}

func TestDownloadFails(t *testing.T) {
	assert := assert.New(t)
	job := downloadJob(t, "s:fail")

	child, err := testSupervisor().StartDownload(job)
	require.Nil(t, err)
	assert.NotNil(child.Wait())

	status, err := Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Failed, status.State)
	require.NotNil(t, status.Error)
	assert.False(status.Error.Success)
	assert.Equal("DownloadFailed", status.Error.Error)
	assert.Equal("DownloadFailedError", status.Error.ExceptionClass)
	assert.Contains(status.Error.ExceptionMessage, "no replica found")
	assert.NoFileExists(filepath.Join(job.Folder, LockFile))
}

func TestDownloadInProgress(t *testing.T) {
	assert := assert.New(t)
	job := downloadJob(t, "s:slow")
	supervisor := testSupervisor()

	child, err := supervisor.StartDownload(job)
	require.Nil(t, err)
	assert.Eventually(func() bool {
		status, err := Inspect(job.Folder)
		return err == nil && status.State == Running
	}, 2*time.Second, 10*time.Millisecond)

	// a second start is refused while the first child lives
	_, err = supervisor.StartDownload(job)
	assert.IsType(&LockedError{}, err)

	assert.Nil(child.Wait())
	status, err := Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Done, status.State)
}

func TestStaleLockDoesNotBlockDownload(t *testing.T) {
	assert := assert.New(t)
	job := downloadJob(t, "s:f")
	require.Nil(t, os.MkdirAll(job.Folder, 0755))
	require.Nil(t, os.WriteFile(filepath.Join(job.Folder, LockFile),
		[]byte(fmt.Sprintf("%d", deadPid(t))), 0644))

	child, err := testSupervisor().StartDownload(job)
	require.Nil(t, err)
	assert.Nil(child.Wait())
	status, err := Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Done, status.State)
}

func TestX509ProxyEnvironment(t *testing.T) {
	assert := assert.New(t)
	certDir, err := os.MkdirTemp(TESTING_DIR, "cert-")
	require.Nil(t, err)
	certFile, keyFile, err := dtstest.WriteCertificate(certDir, time.Hour)
	require.Nil(t, err)

	job := downloadJob(t, "s:f")
	job.Credentials = auth.Credentials{Type: auth.X509, Certificate: certFile, Key: keyFile}
	job.Commands.VomsProxyInit = writeScript("voms-proxy-init", dtstest.FakeProxyInit)
	argsFile := filepath.Join(certDir, "proxy-args")
	t.Setenv("PROXY_ARGS_FILE", argsFile)
	assert.Nil(job.Run(context.Background()))

	args, err := os.ReadFile(argsFile)
	assert.Nil(err)
	assert.Contains(string(args), "-voms atlas")

	cfg, err := os.ReadFile(filepath.Join(job.Folder, "rucio.cfg.seen"))
	assert.Nil(err)
	assert.Contains(string(cfg), "auth_type = x509_proxy\n")
	assert.Contains(string(cfg), "client_x509_proxy = ")
	env, err := os.ReadFile(filepath.Join(job.Folder, "env.seen"))
	assert.Nil(err)
	assert.Contains(string(env), "X509_USER_PROXY=")
	assert.Contains(string(env), "X509_USER_CERT=")
	mode, err := os.ReadFile(filepath.Join(job.Folder, "mode.seen"))
	assert.Nil(err)
	assert.Equal("400", strings.TrimSpace(string(mode)))
}

func TestFailedProxyFallsBackToCertificate(t *testing.T) {
	assert := assert.New(t)
	certDir, err := os.MkdirTemp(TESTING_DIR, "cert-")
	require.Nil(t, err)
	certFile, keyFile, err := dtstest.WriteCertificate(certDir, time.Hour)
	require.Nil(t, err)

	job := downloadJob(t, "s:f")
	job.Credentials = auth.Credentials{Type: auth.X509, Certificate: certFile, Key: keyFile}
	job.Commands.VomsProxyInit = writeScript("failing-voms-proxy-init", dtstest.FailingProxyInit)
	assert.Nil(job.Run(context.Background()))

	cfg, err := os.ReadFile(filepath.Join(job.Folder, "rucio.cfg.seen"))
	assert.Nil(err)
	assert.Contains(string(cfg), "auth_type = x509\n")
	assert.Contains(string(cfg), "client_cert = ")
	assert.Contains(string(cfg), "client_key = ")
	env, err := os.ReadFile(filepath.Join(job.Folder, "env.seen"))
	assert.Nil(err)
	assert.NotContains(string(env), "X509_USER_PROXY=")
}

func TestUpload(t *testing.T) {
	assert := assert.New(t)
	root, err := os.MkdirTemp(TESTING_DIR, "uploads-")
	require.Nil(t, err)
	data := filepath.Join(root, "data.root")
	require.Nil(t, os.WriteFile(data, []byte("data"), 0644))

	job := UploadJob{
		Session:    Session{Instance: instance, Credentials: userpass, Commands: commands},
		Id:         "job-1",
		Paths:      []string{data},
		RSE:        "SWAN-EOS",
		Scope:      "user.jdoe",
		DatasetDID: "user.jdoe:dataset",
		Lifetime:   3600,
		Folder:     UploadFolder(root, "atlas", "job-1"),
	}
	child, err := testSupervisor().StartUpload(job)
	require.Nil(t, err)
	assert.Nil(child.Wait())

	status, err := Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Done, status.State)
	assert.Equal("user.jdoe:data.root", status.Paths[data])
	log, err := os.ReadFile(filepath.Join(job.Folder, LogFile))
	assert.Nil(err)
	assert.Equal(fmt.Sprintf("uploading --rse SWAN-EOS --scope user.jdoe --lifetime 3600 user.jdoe:dataset %s\n", data),
		string(log))

	job.Id = "job-2"
	job.RSE = "fail-RSE"
	job.Folder = UploadFolder(root, "atlas", "job-2")
	assert.IsType(&UploadFailedError{}, job.Run(context.Background()))
	status, err = Inspect(job.Folder)
	assert.Nil(err)
	assert.Equal(Failed, status.State)
	assert.Equal("UploadFailed", status.Error.Error)
}

// this function gets called at the beginning of a test session
func setup() {
	dtstest.EnableDebugLogging()
	var err error
	TESTING_DIR, err = os.MkdirTemp(os.TempDir(), "rucio-bridge-supervisor-tests-")
	if err != nil {
		panic(err)
	}
	commands = Commands{
		Rucio:         writeScript("rucio", dtstest.FakeRucioCLI),
		VomsProxyInit: filepath.Join(TESTING_DIR, "no-voms-proxy-init"),
		GridProxyInit: filepath.Join(TESTING_DIR, "no-grid-proxy-init"),
	}
}

// this function gets called after all tests have been run
func breakdown() {
	os.RemoveAll(TESTING_DIR)
}

// this runs setup, runs all tests, and does breakdown
func TestMain(m *testing.M) {
	// children started by the tests run here
	if os.Getenv("RUCIO_BRIDGE_TEST_CHILD") == "1" {
		var err error
		switch os.Args[len(os.Args)-1] {
		case "download":
			err = RunDownload(context.Background(), os.Stdin)
		case "upload":
			err = RunUpload(context.Background(), os.Stdin)
		}
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	setup()
	status := m.Run()
	breakdown()
	os.Exit(status)
}

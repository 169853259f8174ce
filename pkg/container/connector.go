package container

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
)

// DockerConnector adapts a running container to the connector interface so
// the rest of the pipeline treats it like any other guest.
type DockerConnector struct {
	client      *Client
	containerID string
	name        string
	cachedOS    *connector.OS
}

func NewDockerConnector(client *Client, containerID, name string) *DockerConnector {
	return &DockerConnector{client: client, containerID: containerID, name: name}
}

var _ connector.Connector = (*DockerConnector)(nil)

func (d *DockerConnector) Connect(ctx context.Context, cfg connector.ConnectionCfg) error {
	running, err := d.client.IsRunning(ctx, d.containerID)
	if err != nil {
		return &connector.ConnectionError{Host: d.name, Err: err}
	}
	if !running {
		return &connector.ConnectionError{
			Host: d.name,
			Err:  fmt.Errorf("container %s is not running", shortID(d.containerID)),
		}
	}
	return nil
}

func (d *DockerConnector) IsConnected() bool {
	running, err := d.client.IsRunning(context.Background(), d.containerID)
	return err == nil && running
}

// Close is a no-op: the API client is shared and the container's lifecycle
// belongs to the provision phase.
func (d *DockerConnector) Close() error { return nil }

func (d *DockerConnector) Exec(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	effective := connector.ExecOptions{}
	if opts != nil {
		effective = *opts
	}
	if !effective.Hidden {
		logger.Get().Debugf("Executing in container %s: %s", d.name, cmd)
	}

	var stdout, stderr []byte
	var err error
	for attempt := 0; attempt <= effective.Retries; attempt++ {
		if attempt > 0 {
			logger.Get().Warnf("Retrying command in container %s (%d/%d): %v", d.name, attempt, effective.Retries, err)
			select {
			case <-time.After(effective.RetryDelay):
			case <-ctx.Done():
				return stdout, stderr, ctx.Err()
			}
		}
		stdout, stderr, err = d.runOnce(ctx, cmd, &effective)
		if err == nil {
			return stdout, stderr, nil
		}
	}
	return stdout, stderr, err
}

func (d *DockerConnector) runOnce(ctx context.Context, cmd string, opts *connector.ExecOptions) ([]byte, []byte, error) {
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		Env:          opts.Env,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != nil,
	}
	if opts.Sudo {
		// Container guests are root by running the exec as root directly.
		execCfg.User = "root"
	}

	created, err := d.client.cli.ContainerExecCreate(runCtx, d.containerID, execCfg)
	if err != nil {
		return nil, nil, &connector.ConnectionError{Host: d.name, Err: fmt.Errorf("create exec: %w", err)}
	}
	attach, err := d.client.cli.ContainerExecAttach(runCtx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, nil, &connector.ConnectionError{Host: d.name, Err: fmt.Errorf("attach exec: %w", err)}
	}
	defer attach.Close()

	if opts.Stdin != nil {
		go func() {
			attach.Conn.Write(opts.Stdin)
			attach.CloseWrite()
		}()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	var outW, errW io.Writer = &stdoutBuf, &stderrBuf
	if opts.Stream != nil {
		outW = io.MultiWriter(&stdoutBuf, opts.Stream)
		errW = io.MultiWriter(&stderrBuf, opts.Stream)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(outW, errW, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), &connector.ConnectionError{
				Host: d.name, Err: fmt.Errorf("read exec output: %w", copyErr),
			}
		}
	case <-runCtx.Done():
		attach.Close()
		<-copyDone
		runErr := runCtx.Err()
		if errors.Is(runErr, context.DeadlineExceeded) && opts.Timeout > 0 {
			runErr = fmt.Errorf("command timed out after %s: %w", opts.Timeout, runErr)
		}
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), &connector.CommandError{
			Cmd:        cmd,
			ExitCode:   -1,
			Stdout:     stdoutBuf.String(),
			Stderr:     stderrBuf.String(),
			Underlying: runErr,
		}
	}

	inspect, err := d.client.cli.ContainerExecInspect(runCtx, created.ID)
	if err != nil {
		return stdoutBuf.Bytes(), stderrBuf.Bytes(), &connector.ConnectionError{
			Host: d.name, Err: fmt.Errorf("inspect exec: %w", err),
		}
	}
	stdout := stdoutBuf.Bytes()
	stderr := stderrBuf.Bytes()
	if inspect.ExitCode == 0 {
		return stdout, stderr, nil
	}
	return stdout, stderr, &connector.CommandError{
		Cmd:      cmd,
		ExitCode: inspect.ExitCode,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}
}

func (d *DockerConnector) Copy(ctx context.Context, srcPath, dstPath string, opts *connector.FileTransferOptions) error {
	effective := connector.FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}
	st, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("copy source %s: %w", srcPath, err)
	}
	if st.IsDir() {
		var buf bytes.Buffer
		if err := tarLocalDir(srcPath, &buf); err != nil {
			return fmt.Errorf("archive %s: %w", srcPath, err)
		}
		if err := d.Mkdir(ctx, dstPath, ""); err != nil {
			return err
		}
		if err := d.client.cli.CopyToContainer(ctx, d.containerID, dstPath, &buf, container.CopyToContainerOptions{}); err != nil {
			return fmt.Errorf("copy %s into container %s: %w", srcPath, d.name, err)
		}
		return d.applyOwner(ctx, dstPath, &effective)
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	if effective.Permissions == "" {
		effective.Permissions = fmt.Sprintf("%04o", st.Mode().Perm())
	}
	return d.WriteFile(ctx, data, dstPath, &effective)
}

func (d *DockerConnector) CopyContent(ctx context.Context, content []byte, dstPath string, opts *connector.FileTransferOptions) error {
	return d.WriteFile(ctx, content, dstPath, opts)
}

func (d *DockerConnector) WriteFile(ctx context.Context, content []byte, destPath string, opts *connector.FileTransferOptions) error {
	effective := connector.FileTransferOptions{}
	if opts != nil {
		effective = *opts
	}

	if err := d.Mkdir(ctx, path.Dir(destPath), ""); err != nil {
		return err
	}
	mode := int64(0o644)
	if effective.Permissions != "" {
		parsed, err := strconv.ParseInt(effective.Permissions, 8, 32)
		if err != nil {
			return fmt.Errorf("invalid permissions %q: %w", effective.Permissions, err)
		}
		mode = parsed
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    path.Base(destPath),
		Mode:    mode,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(content); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := d.client.cli.CopyToContainer(ctx, d.containerID, path.Dir(destPath), &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("write %s in container %s: %w", destPath, d.name, err)
	}
	return d.applyOwner(ctx, destPath, &effective)
}

func (d *DockerConnector) Fetch(ctx context.Context, remotePath, localPath string, opts *connector.FileTransferOptions) error {
	reader, stat, err := d.client.cli.CopyFromContainer(ctx, d.containerID, remotePath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("remote path %s does not exist in container %s", remotePath, d.name)
		}
		return fmt.Errorf("copy %s from container %s: %w", remotePath, d.name, err)
	}
	defer reader.Close()
	return untarInto(reader, stat.Mode.IsDir(), localPath)
}

func (d *DockerConnector) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	reader, _, err := d.client.cli.CopyFromContainer(ctx, d.containerID, remotePath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("remote file %s does not exist in container %s", remotePath, d.name)
		}
		return nil, fmt.Errorf("read %s from container %s: %w", remotePath, d.name, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive for %s: %w", remotePath, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("%s is not a regular file in container %s", remotePath, d.name)
}

func (d *DockerConnector) Stat(ctx context.Context, remotePath string) (*connector.FileStat, error) {
	stat, err := d.client.cli.ContainerStatPath(ctx, d.containerID, remotePath)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &connector.FileStat{Name: path.Base(remotePath), IsExist: false}, nil
		}
		return nil, fmt.Errorf("stat %s in container %s: %w", remotePath, d.name, err)
	}
	return &connector.FileStat{
		Name:    stat.Name,
		Size:    stat.Size,
		Mode:    stat.Mode,
		ModTime: stat.Mtime,
		IsDir:   stat.Mode.IsDir(),
		IsExist: true,
	}, nil
}

func (d *DockerConnector) LookPath(ctx context.Context, file string) (string, error) {
	stdout, stderr, err := d.Exec(ctx, "command -v "+connector.ShellEscape(file), &connector.ExecOptions{Hidden: true})
	if err != nil {
		return "", fmt.Errorf("%s not found in container %s: %s: %w",
			file, d.name, strings.TrimSpace(string(stderr)), err)
	}
	p := strings.TrimSpace(string(stdout))
	if p == "" {
		return "", fmt.Errorf("%s not found in container %s", file, d.name)
	}
	return p, nil
}

func (d *DockerConnector) Mkdir(ctx context.Context, dirPath string, perm string) error {
	cmd := "mkdir -p " + connector.ShellEscape(dirPath)
	if perm != "" {
		cmd = fmt.Sprintf("mkdir -p -m %s %s", connector.ShellEscape(perm), connector.ShellEscape(dirPath))
	}
	_, stderr, err := d.Exec(ctx, cmd, &connector.ExecOptions{Hidden: true})
	if err != nil {
		return fmt.Errorf("mkdir %s in container %s: %s: %w", dirPath, d.name, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (d *DockerConnector) Remove(ctx context.Context, remotePath string, opts connector.RemoveOptions) error {
	flags := "-f"
	if opts.Recursive {
		flags = "-rf"
	}
	cmd := fmt.Sprintf("rm %s %s", flags, connector.ShellEscape(remotePath))
	_, stderr, err := d.Exec(ctx, cmd, &connector.ExecOptions{Sudo: opts.Sudo, Hidden: true})
	if err != nil {
		return fmt.Errorf("remove %s in container %s: %s: %w", remotePath, d.name, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

func (d *DockerConnector) GetFileChecksum(ctx context.Context, remotePath string, checksumType string) (string, error) {
	var tool string
	switch strings.ToLower(checksumType) {
	case "sha256":
		tool = "sha256sum"
	case "md5":
		tool = "md5sum"
	default:
		return "", fmt.Errorf("unsupported checksum type: %s", checksumType)
	}
	stdout, stderr, err := d.Exec(ctx, fmt.Sprintf("%s -b %s", tool, connector.ShellEscape(remotePath)), &connector.ExecOptions{Hidden: true})
	if err != nil {
		return "", fmt.Errorf("checksum %s in container %s: %s: %w", remotePath, d.name, strings.TrimSpace(string(stderr)), err)
	}
	fields := strings.Fields(string(stdout))
	if len(fields) == 0 {
		return "", fmt.Errorf("unexpected %s output: %q", tool, string(stdout))
	}
	return fields[0], nil
}

func (d *DockerConnector) GetOS(ctx context.Context) (*connector.OS, error) {
	if d.cachedOS != nil {
		return d.cachedOS, nil
	}
	osInfo := &connector.OS{}
	if out, _, err := d.Exec(ctx, "cat /etc/os-release", &connector.ExecOptions{Hidden: true}); err == nil {
		values := connector.ParseKeyValues(string(out))
		osInfo.ID = values["ID"]
		osInfo.VersionID = values["VERSION_ID"]
		osInfo.PrettyName = values["PRETTY_NAME"]
		osInfo.Codename = values["VERSION_CODENAME"]
	}
	if osInfo.ID == "" {
		osInfo.ID = "linux"
	}
	if out, _, err := d.Exec(ctx, "uname -r", &connector.ExecOptions{Hidden: true}); err == nil {
		osInfo.Kernel = strings.TrimSpace(string(out))
	}
	if out, _, err := d.Exec(ctx, "uname -m", &connector.ExecOptions{Hidden: true}); err == nil {
		osInfo.Arch = strings.TrimSpace(string(out))
	}
	d.cachedOS = osInfo
	return osInfo, nil
}

func (d *DockerConnector) applyOwner(ctx context.Context, destPath string, opts *connector.FileTransferOptions) error {
	if opts.Owner == "" {
		return nil
	}
	owner := opts.Owner
	if opts.Group != "" {
		owner += ":" + opts.Group
	}
	cmd := fmt.Sprintf("chown -R %s %s", connector.ShellEscape(owner), connector.ShellEscape(destPath))
	if _, stderr, err := d.Exec(ctx, cmd, &connector.ExecOptions{Hidden: true}); err != nil {
		return fmt.Errorf("chown %s in container %s: %s: %w", destPath, d.name, strings.TrimSpace(string(stderr)), err)
	}
	return nil
}

// Package sandbox provides one disposable, isolated execution environment
// per instance: a Docker container built from a target source directory or
// pulled by image reference. All builds, fuzzing campaigns, and replays
// run through a sandbox, never directly on the host.
//
// The container is driven through the docker CLI. Command execution is
// asynchronous: Execute starts the command and returns a Handle the caller
// polls without blocking.
package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Mode selects how the sandbox image is obtained.
type Mode string

const (
	// ModeBuild builds the image from a local directory containing a Dockerfile.
	ModeBuild Mode = "build"
	// ModePull pulls the image from a registry by reference.
	ModePull Mode = "pull"
)

var (
	// ErrInvalidMode is returned for a mode other than build or pull.
	ErrInvalidMode = errors.New("sandbox: invalid mode")
	// ErrSourceNotFound is returned when a build path is missing, relative,
	// or not a directory.
	ErrSourceNotFound = errors.New("sandbox: source path not found")
	// ErrPathNotFound is returned by ReadPath when the container path
	// does not exist.
	ErrPathNotFound = errors.New("sandbox: path not found in container")
	// ErrNotADirectory is returned by WritePath when the target is not a
	// directory inside the container.
	ErrNotADirectory = errors.New("sandbox: path is not a directory in container")
	// ErrClosed is returned when operating on a closed sandbox.
	ErrClosed = errors.New("sandbox: closed")
)

// Options tune sandbox creation.
type Options struct {
	// NoCache disables the Docker build cache (build mode only).
	NoCache bool
}

// Sandbox owns one running container. All operations are effectful against
// the container runtime; nothing is retried automatically.
type Sandbox struct {
	containerID string
	image       string
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New builds or pulls the image and starts a detached, long-lived
// container from it. In build mode, source must be an absolute path to an
// existing directory holding the Dockerfile.
func New(ctx context.Context, source string, mode Mode, opts Options, logger *slog.Logger) (*Sandbox, error) {
	var image string
	var err error

	switch mode {
	case ModePull:
		image, err = pullImage(ctx, source, logger)
	case ModeBuild:
		image, err = buildImage(ctx, source, opts.NoCache, logger)
	default:
		return nil, fmt.Errorf("%w: %q (must be %q or %q)", ErrInvalidMode, mode, ModeBuild, ModePull)
	}
	if err != nil {
		return nil, err
	}

	containerID, err := runContainer(ctx, image)
	if err != nil {
		return nil, err
	}

	logger.Debug("sandbox container started",
		slog.String("container", shortID(containerID)),
		slog.String("image", shortID(image)),
	)

	return &Sandbox{
		containerID: containerID,
		image:       image,
		logger:      logger,
	}, nil
}

// Execute starts command inside the running container and returns
// immediately. The command runs under `sh -c`; workdir and env are
// optional. The returned handle never blocks the caller.
func (s *Sandbox) Execute(ctx context.Context, command string, workdir string, env map[string]string) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	args := []string{"exec"}
	if workdir != "" {
		args = append(args, "--workdir", workdir)
	}
	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, s.containerID, "sh", "-c", command)

	s.logger.Debug("sandbox executing",
		slog.String("container", shortID(s.containerID)),
		slog.String("command", command),
		slog.String("workdir", workdir),
	)

	return startHandle(exec.CommandContext(ctx, "docker", args...))
}

// ReadPath returns a tar archive of the file or directory subtree at the
// given absolute container path.
func (s *Sandbox) ReadPath(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	if err := s.checkPath(ctx, "-e", path, ErrPathNotFound); err != nil {
		return nil, err
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "cp", s.containerID+":"+path, "-")
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reading %s from container: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// WritePath unpacks the supplied tar archive into the given absolute
// directory inside the container.
func (s *Sandbox) WritePath(ctx context.Context, dir string, archive []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	if err := s.checkPath(ctx, "-d", dir, ErrNotADirectory); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "docker", "cp", "-", s.containerID+":"+dir)
	cmd.Stdin = bytes.NewReader(archive)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("writing archive to %s: %w: %s", dir, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Close stops and force-removes the container. Idempotent: closing an
// already-closed sandbox logs and returns nil. Close must run even when
// other steps failed; it is the release side of sandbox acquisition.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("sandbox already closed", slog.String("container", shortID(s.containerID)))
		return nil
	}
	s.closed = true

	// docker rm -f both stops and removes; runs detached from any request
	// context so cleanup still works during shutdown unwinding.
	out, err := exec.Command("docker", "rm", "-f", s.containerID).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			s.logger.Warn("container already gone", slog.String("container", shortID(s.containerID)))
			return nil
		}
		return fmt.Errorf("removing container %s: %w: %s", shortID(s.containerID), err, strings.TrimSpace(string(out)))
	}

	s.logger.Debug("sandbox container removed", slog.String("container", shortID(s.containerID)))
	return nil
}

// checkPath runs `test <flag> <path>` inside the container and maps a
// non-zero exit to the supplied sentinel.
func (s *Sandbox) checkPath(ctx context.Context, flag, path string, sentinel error) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %s (must be absolute)", sentinel, path)
	}
	err := exec.CommandContext(ctx, "docker", "exec", s.containerID, "test", flag, path).Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", sentinel, path)
		}
		return fmt.Errorf("checking %s in container: %w", path, err)
	}
	return nil
}

func pullImage(ctx context.Context, ref string, logger *slog.Logger) (string, error) {
	logger.Debug("pulling image", slog.String("ref", ref))
	out, err := exec.CommandContext(ctx, "docker", "pull", ref).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("pulling image %s: %w: %s", ref, err, strings.TrimSpace(string(out)))
	}
	return ref, nil
}

func buildImage(ctx context.Context, path string, noCache bool, logger *slog.Logger) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %s (must be absolute)", ErrSourceNotFound, path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSourceNotFound, path)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s (not a directory)", ErrSourceNotFound, path)
	}

	args := []string{"build", "-q"}
	if noCache {
		args = append(args, "--no-cache")
	}
	args = append(args, path)

	logger.Debug("building image", slog.String("path", path), slog.Bool("no_cache", noCache))
	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building image from %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	image := strings.TrimSpace(out.String())
	if image == "" {
		return "", fmt.Errorf("building image from %s: no image ID in build output", path)
	}
	return image, nil
}

func runContainer(ctx context.Context, image string) (string, error) {
	name, err := generateContainerName()
	if err != nil {
		return "", fmt.Errorf("generating container name: %w", err)
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", "run", "-d", "-t", "--name", name, image)
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("starting container from %s: %w: %s", shortID(image), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// generateContainerName returns a unique container name: tiba-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tiba-sbx-" + hex.EncodeToString(b), nil
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

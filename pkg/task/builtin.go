package task

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// RegisterBuiltins adds the task kinds every server build ships with
func RegisterBuiltins(r *KindRegistry) error {
	for _, k := range []Kind{
		{Name: "echo", SchemaVersion: 1, Run: runEcho},
		{Name: "compress-datadir", SchemaVersion: 1, Run: runCompressDataDir},
	} {
		if err := r.Register(k); err != nil {
			return err
		}
	}
	return nil
}

// echoPayload drives the echo kind: a controllable demo task used by the
// functional test suites to exercise every path of the state machine.
type echoPayload struct {
	Message     string `json:"message"`
	Steps       int    `json:"steps"`
	StepDelayMS int    `json:"step_delay_ms"`
	Fail        bool   `json:"fail"`
}

func runEcho(ctx context.Context, rt Runtime, payload json.RawMessage) error {
	var p echoPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("malformed echo payload: %w", err)
		}
	}
	if p.Steps <= 0 {
		p.Steps = 1
	}

	for i := 0; i < p.Steps; i++ {
		if rt.ShouldCancel() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(time.Duration(p.StepDelayMS) * time.Millisecond):
		}
		rt.Heartbeat()
	}

	if p.Fail {
		return fmt.Errorf("echo task failed on request: %s", p.Message)
	}

	if dir := rt.DataDir(); dir != "" {
		out := filepath.Join(dir, "output.txt")
		if err := os.WriteFile(out, []byte(p.Message+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write echo output: %w", err)
		}
	}
	rt.AddComment("echo: " + p.Message)
	return nil
}

// runCompressDataDir packs the task's data directory into archive.tar.gz
// inside that same directory. Used to shrink large task outputs before the
// grace window expires.
func runCompressDataDir(ctx context.Context, rt Runtime, _ json.RawMessage) error {
	dir := rt.DataDir()
	if dir == "" {
		return fmt.Errorf("compress-datadir requires a data directory")
	}

	const archiveName = "archive.tar.gz"
	archivePath := filepath.Join(dir, archiveName)
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == archivePath || info.IsDir() {
			return nil
		}
		if rt.ShouldCancel() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		default:
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		src.Close()
		if err != nil {
			return err
		}
		rt.Heartbeat()
		return os.Remove(path)
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	rt.AddComment("data directory compressed to " + archiveName)
	return nil
}

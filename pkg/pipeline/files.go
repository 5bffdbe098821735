package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// stagingDirName holds pipeline-internal files inside a project working
// tree. Excluded from the production content hash.
const stagingDirName = ".doce"

// copyDir recursively copies src into dst, preserving file modes.
// Symlinks are copied as links.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeEnvFile writes the project's .env with the session-server API key
// and the allocated ports. Overwrites any previous file so retries
// converge on current values.
func writeEnvFile(dir, apiKey string, appPort, opencodePort int) error {
	var b strings.Builder
	fmt.Fprintf(&b, "OPENCODE_API_KEY=%s\n", apiKey)
	fmt.Fprintf(&b, "APP_PORT=%d\n", appPort)
	fmt.Fprintf(&b, "OPENCODE_PORT=%d\n", opencodePort)
	return os.WriteFile(filepath.Join(dir, ".env"), []byte(b.String()), 0o600)
}

// initialPrompt is the staged bootstrap prompt written at project.create
// and consumed by the sendUserPrompt handler. Staging it on disk keeps
// the (potentially large, image-carrying) prompt off later job payloads.
type initialPrompt struct {
	Prompt string                  `json:"prompt"`
	Model  string                  `json:"model,omitempty"`
	Images []queue.ImageAttachment `json:"images,omitempty"`
}

func initialPromptPath(projectDir string) string {
	return filepath.Join(projectDir, stagingDirName, "initial-prompt.json")
}

func writeInitialPrompt(projectDir string, p initialPrompt) error {
	dir := filepath.Join(projectDir, stagingDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal initial prompt: %w", err)
	}
	return os.WriteFile(initialPromptPath(projectDir), b, 0o600)
}

// readInitialPrompt loads the staged prompt. Returns (nil, nil) when the
// file is gone, which the caller treats as already-consumed.
func readInitialPrompt(projectDir string) (*initialPrompt, error) {
	b, err := os.ReadFile(initialPromptPath(projectDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read initial prompt: %w", err)
	}
	var p initialPrompt
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse initial prompt: %w", err)
	}
	return &p, nil
}

// hashDir computes a deterministic content hash over a directory tree:
// relative path plus file bytes for every regular file, walked in sorted
// order. The staging dir, .env and .git are excluded so only app content
// changes the deploy hash.
func hashDir(root string) (string, error) {
	h := sha256.New()
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case stagingDirName, ".git", "node_modules":
				if path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == ".env" {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	for _, rel := range files {
		io.WriteString(h, rel)
		h.Write([]byte{0})
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}

// materializeVersion copies the project working tree into the
// hash-named production directory. Idempotent: an existing version dir
// is reused as-is. Returns the version dir path.
func materializeVersion(projectDir, productionRoot, hash string) (string, error) {
	versionDir := filepath.Join(productionRoot, hash)
	if _, err := os.Stat(versionDir); err == nil {
		return versionDir, nil
	} else if !os.IsNotExist(err) {
		return "", err
	}

	// Build into a temp sibling, then rename so a crashed copy never
	// leaves a half-written version dir behind.
	if err := os.MkdirAll(productionRoot, 0o755); err != nil {
		return "", fmt.Errorf("create production root: %w", err)
	}
	tmp, err := os.MkdirTemp(productionRoot, "."+hash+".tmp-")
	if err != nil {
		return "", fmt.Errorf("create version temp dir: %w", err)
	}
	if err := copyDir(projectDir, tmp); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("copy project tree: %w", err)
	}
	os.RemoveAll(filepath.Join(tmp, stagingDirName))
	if err := os.Rename(tmp, versionDir); err != nil {
		os.RemoveAll(tmp)
		// A concurrent or prior materialization may have won.
		if _, statErr := os.Stat(versionDir); statErr == nil {
			return versionDir, nil
		}
		return "", fmt.Errorf("publish version dir: %w", err)
	}
	return versionDir, nil
}

// switchCurrent atomically repoints the "current" symlink at the given
// version dir via a temp link plus rename.
func switchCurrent(productionRoot, hash string) error {
	current := filepath.Join(productionRoot, "current")
	tmp := current + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(hash, tmp); err != nil {
		return fmt.Errorf("stage current symlink: %w", err)
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("switch current symlink: %w", err)
	}
	return nil
}

// pruneVersions removes old version dirs, keeping the newest keep dirs
// by modification time plus whatever "current" points at. Best effort.
func pruneVersions(productionRoot string, keep int) {
	entries, err := os.ReadDir(productionRoot)
	if err != nil {
		return
	}
	currentTarget, _ := os.Readlink(filepath.Join(productionRoot, "current"))

	type versioned struct {
		name string
		mod  int64
	}
	var versions []versioned
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "current" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		versions = append(versions, versioned{e.Name(), info.ModTime().UnixNano()})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].mod > versions[j].mod })
	for i, v := range versions {
		if i < keep || v.name == currentTarget {
			continue
		}
		os.RemoveAll(filepath.Join(productionRoot, v.name))
	}
}

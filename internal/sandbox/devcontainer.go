package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// devcontainerBuild is the subset of .devcontainer/devcontainer.json fields
// the Sandbox Manager consults to resolve a task's container image: either a
// pinned image reference, or a Dockerfile to build one from.
type devcontainerBuild struct {
	Image string `json:"image,omitempty"`
	Build struct {
		Dockerfile string `json:"dockerfile,omitempty"`
		Context    string `json:"context,omitempty"`
	} `json:"build,omitempty"`
}

// ResolveDevcontainerImage reads repoDir/.devcontainer/devcontainer.json, if
// present, and returns either a pinned image reference to use directly, or a
// Dockerfile path to build. Returns ("", "", nil) when no devcontainer
// config exists, so callers fall back to their own default image.
//
// devcontainer.json is JSONC (comments, trailing commas), which
// encoding/json cannot parse directly; stripJSONComments strips `//` and
// `/* */` comments before unmarshaling, mirroring the tolerant parse the
// original deployment's devcontainer resolver performs.
func ResolveDevcontainerImage(repoDir string) (image, dockerfilePath string, err error) {
	cfgPath := filepath.Join(repoDir, ".devcontainer", "devcontainer.json")
	raw, err := os.ReadFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", nil
		}
		return "", "", fmt.Errorf("sandbox: read devcontainer.json: %w", err)
	}

	var cfg devcontainerBuild
	if err := json.Unmarshal(stripJSONComments(raw), &cfg); err != nil {
		return "", "", fmt.Errorf("sandbox: parse devcontainer.json: %w", err)
	}

	if cfg.Image != "" {
		return cfg.Image, "", nil
	}
	if cfg.Build.Dockerfile != "" {
		dir := filepath.Dir(cfgPath)
		if cfg.Build.Context != "" {
			dir = filepath.Join(dir, cfg.Build.Context)
		}
		return "", filepath.Join(dir, cfg.Build.Dockerfile), nil
	}
	return "", "", nil
}

// stripJSONComments removes `//` line comments and `/* */` block comments
// outside of string literals, the minimal transform needed to feed JSONC
// through encoding/json.
func stripJSONComments(src []byte) []byte {
	var out bytes.Buffer
	inString := false
	inLineComment := false
	inBlockComment := false

	for i := 0; i < len(src); i++ {
		c := src[i]

		if inLineComment {
			if c == '\n' {
				inLineComment = false
				out.WriteByte(c)
			}
			continue
		}
		if inBlockComment {
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				inBlockComment = false
				i++
			}
			continue
		}
		if inString {
			out.WriteByte(c)
			if c == '\\' && i+1 < len(src) {
				out.WriteByte(src[i+1])
				i++
				continue
			}
			if c == '"' {
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			out.WriteByte(c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			inLineComment = true
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			inBlockComment = true
			i++
		default:
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}

package main

import (
	"encoding/json"
	"fmt"
	"path"
	"runtime"
	"strings"
)

// parseKeyValues turns repeated KEY=VAL flags into a map. Later keys win.
func parseKeyValues(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid KEY=VAL pair %q", pair)
		}
		out[k] = v
	}
	return out, nil
}

// requestBody merges a JSON object with KEY=VAL fields.
func requestBody(bodyJSON string, fields []string) (map[string]interface{}, error) {
	body := map[string]interface{}{}
	if strings.TrimSpace(bodyJSON) != "" {
		if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
			return nil, fmt.Errorf("--body-json must be a JSON object: %w", err)
		}
		if body == nil {
			body = map[string]interface{}{}
		}
	}

	kv, err := parseKeyValues(fields)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		body[k] = v
	}
	return body, nil
}

type ostreeImportArgs struct {
	Build          string
	Arch           string
	S3             string
	OstreePath     string
	CommitURL      string
	Checksum       string
	OstreeRef      string
	OstreeChecksum string
	Repo           string
}

// body builds the ostree-import request body.
func (a ostreeImportArgs) body() (map[string]interface{}, error) {
	if a.Build == "" {
		return nil, fmt.Errorf("--build is required")
	}
	if a.Build == "latest" {
		return nil, fmt.Errorf("refusing to ostree import generic 'latest' build ID")
	}
	if a.Repo != "prod" && a.Repo != "compose" {
		return nil, fmt.Errorf("--repo must be prod or compose, got %q", a.Repo)
	}

	commitURL := a.CommitURL
	if commitURL == "" {
		if a.S3 == "" || a.OstreePath == "" {
			return nil, fmt.Errorf("either --commit-url or both --s3 and --ostree-path are required")
		}
		commitURL = s3CommitURL(a.S3, a.Build, a.Arch, a.OstreePath)
	}

	var missing []string
	for _, f := range []struct{ flag, value string }{
		{"--checksum", a.Checksum},
		{"--ostree-ref", a.OstreeRef},
		{"--ostree-checksum", a.OstreeChecksum},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.flag)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}

	checksum := a.Checksum
	if !strings.HasPrefix(checksum, "sha256:") {
		checksum = "sha256:" + checksum
	}

	return map[string]interface{}{
		"build_id":        a.Build,
		"basearch":        a.Arch,
		"commit_url":      commitURL,
		"checksum":        checksum,
		"ostree_ref":      a.OstreeRef,
		"ostree_checksum": a.OstreeChecksum,
		"target_repo":     a.Repo,
	}, nil
}

// s3CommitURL points at the ostree tarball of a build in a builds bucket:
//
//	https://fcos-builds.s3.amazonaws.com/prod/streams/stable/builds/31.20200127.3.0/x86_64/fedora-coreos-31.20200127.3.0-ostree.x86_64.tar
func s3CommitURL(s3, build, arch, ostreePath string) string {
	bucket, prefix, _ := strings.Cut(s3, "/")
	key := path.Join(prefix, "builds", build, arch, ostreePath)
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key)
}

type buildStateArgs struct {
	Build    string
	Basearch string
	Stream   string
	State    string
	BuildDir string
	Result   string
}

func (a buildStateArgs) body() map[string]interface{} {
	body := map[string]interface{}{
		"build_id":  a.Build,
		"basearch":  a.Basearch,
		"stream":    a.Stream,
		"state":     a.State,
		"build_dir": nil,
	}
	if a.BuildDir != "" {
		body["build_dir"] = a.BuildDir
	}
	if a.Result != "" {
		body["result"] = a.Result
	}
	return body
}

// defaultBasearch maps GOARCH to the architecture names used in build ids.
func defaultBasearch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return runtime.GOARCH
	}
}

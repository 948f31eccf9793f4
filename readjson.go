package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// rulesetSource delivers nftables JSON documents.
type rulesetSource interface {
	// FetchRuleset returns the `nftables` array of the full ruleset.
	FetchRuleset(ctx context.Context) (gjson.Result, error)
	// FetchElements returns the object of a single set, map or meter including
	// its `elem` list.
	FetchElements(ctx context.Context, ref containerRef) (gjson.Result, error)
}

// Parse json to gjson object
func parseJSON(data []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("%w: invalid JSON", errSourceUnavailable)
	}
	doc := gjson.GetBytes(data, "nftables")
	if !doc.IsArray() {
		return gjson.Result{}, fmt.Errorf("%w: no nftables array in output", errSourceUnavailable)
	}
	if version := doc.Get("#.metainfo.json_schema_version|0"); version.Exists() && version.Int() != 1 {
		return gjson.Result{}, fmt.Errorf("%w: nftables json schema v%s is not supported", errSourceUnavailable, version.String())
	}
	return doc, nil
}

// findContainer picks the object described by ref out of a listing.
func findContainer(doc gjson.Result, ref containerRef) (gjson.Result, error) {
	kind := ref.Kind.String()
	for _, item := range doc.Array() {
		obj := item.Get(kind)
		if !obj.Exists() {
			continue
		}
		if obj.Get("family").String() == ref.Family &&
			obj.Get("table").String() == ref.Table &&
			obj.Get("name").String() == ref.Name {
			return obj, nil
		}
	}
	return gjson.Result{}, fmt.Errorf("%w: %s missing from its own listing", errParse, ref)
}

// commandRunner runs a command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// nftCLI reads nftables through the nft binary.
type nftCLI struct {
	path    string
	timeout time.Duration
	run     commandRunner
	logger  *slog.Logger
}

// Get json from nftables and parse it
func (n *nftCLI) list(ctx context.Context, args ...string) (gjson.Result, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	args = append([]string{"-j", "list"}, args...)
	n.logger.Debug("running nft", "path", n.path, "args", args)
	out, err := n.run(ctx, n.path, args...)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %s %s: %w", errSourceUnavailable, n.path, strings.Join(args, " "), err)
	}
	return parseJSON(out)
}

func (n *nftCLI) FetchRuleset(ctx context.Context) (gjson.Result, error) {
	return n.list(ctx, "ruleset")
}

func (n *nftCLI) FetchElements(ctx context.Context, ref containerRef) (gjson.Result, error) {
	doc, err := n.list(ctx, ref.Kind.String(), ref.Family, ref.Table, ref.Name)
	if err != nil {
		return gjson.Result{}, err
	}
	return findContainer(doc, ref)
}

// fakeSource serves a recorded ruleset from a file, elements included.
type fakeSource struct {
	path   string
	logger *slog.Logger
}

// Reading fake nftables json
func (f *fakeSource) read() (gjson.Result, error) {
	f.logger.Debug("read fake nftables data from json", "path", f.path)
	data, err := os.ReadFile(f.path)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: fake nftables data reading error: %w", errSourceUnavailable, err)
	}
	return parseJSON(data)
}

func (f *fakeSource) FetchRuleset(context.Context) (gjson.Result, error) {
	return f.read()
}

func (f *fakeSource) FetchElements(_ context.Context, ref containerRef) (gjson.Result, error) {
	doc, err := f.read()
	if err != nil {
		return gjson.Result{}, err
	}
	return findContainer(doc, ref)
}

// Select json source
func newRulesetSource(opts nftOptions, logger *slog.Logger) rulesetSource {
	if opts.FakeNftJSON != "" {
		if _, err := os.Stat(opts.FakeNftJSON); err == nil {
			logger.Warn("serving recorded ruleset instead of nft", "path", opts.FakeNftJSON)
			return &fakeSource{path: opts.FakeNftJSON, logger: logger}
		}
		logger.Warn("fake nftables data not found, falling back to nft", "path", opts.FakeNftJSON)
	}
	return &nftCLI{
		path:    opts.NFTLocation,
		timeout: opts.NFTTimeout,
		run:     execCommand,
		logger:  logger,
	}
}

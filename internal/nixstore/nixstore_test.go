package nixstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeRunner returns canned stdout per command line.
type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	out, ok := f.outputs[key]
	if !ok {
		return nil, fmt.Errorf("unexpected command: %s", key)
	}
	return []byte(out), nil
}

const drv = "/nix/store/aaa.drv"

func derivationShowJSON(outputs map[string]string) string {
	entries := make([]string, 0, len(outputs))
	for name, path := range outputs {
		entries = append(entries, fmt.Sprintf("%q: {\"path\": %q}", name, path))
	}
	return fmt.Sprintf("{%q: {\"outputs\": {%s}}}", drv, strings.Join(entries, ","))
}

func TestDeclaredOutputs(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix derivation show " + drv: derivationShowJSON(map[string]string{
			"out": "/nix/store/bbb-hello",
			"dev": "/nix/store/ccc-hello-dev",
		}),
	}}

	insp := NewInspector(runner, nil)
	outputs, err := insp.DeclaredOutputs(context.Background(), drv)
	if err != nil {
		t.Fatalf("DeclaredOutputs: %v", err)
	}
	if len(outputs) != 2 || outputs["out"] != "/nix/store/bbb-hello" || outputs["dev"] != "/nix/store/ccc-hello-dev" {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestDeclaredOutputsRejectsGarbage(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix derivation show " + drv: "not json",
	}}

	insp := NewInspector(runner, nil)
	_, err := insp.DeclaredOutputs(context.Background(), drv)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestQueryOutputs(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix-store --query --size /nix/store/bbb-hello": "1024\n",
		"nix-store --query --hash /nix/store/bbb-hello": "sha256:abcdef\n",
	}}

	insp := NewInspector(runner, nil)
	infos, err := insp.QueryOutputs(context.Background(), drv, map[string]string{"out": "/nix/store/bbb-hello"})
	if err != nil {
		t.Fatalf("QueryOutputs: %v", err)
	}

	info, ok := infos["out"]
	if !ok {
		t.Fatalf("infos = %v, missing out", infos)
	}
	if info.Size != 1024 || info.Hash != "sha256:abcdef" || info.Deriver != drv || info.Path != "/nix/store/bbb-hello" {
		t.Errorf("info = %+v", info)
	}
}

func TestQueryOutputsUnparseableSize(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix-store --query --size /nix/store/bbb": "not-a-number\n",
		"nix-store --query --hash /nix/store/bbb": "sha256:x\n",
	}}

	insp := NewInspector(runner, nil)
	_, err := insp.QueryOutputs(context.Background(), drv, map[string]string{"out": "/nix/store/bbb"})
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestQueryOutputsNegativeSizeRejected(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix-store --query --size /nix/store/bbb": "-5\n",
		"nix-store --query --hash /nix/store/bbb": "sha256:x\n",
	}}

	insp := NewInspector(runner, nil)
	if _, err := insp.QueryOutputs(context.Background(), drv, map[string]string{"out": "/nix/store/bbb"}); err == nil {
		t.Fatal("expected error for negative size")
	}
}

func TestQueryOutputsFailsAtomically(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string]string{
			"nix-store --query --size /nix/store/bbb": "10\n",
			"nix-store --query --hash /nix/store/bbb": "sha256:x\n",
		},
		errs: map[string]error{
			"nix-store --query --size /nix/store/ccc": errors.New("no such path"),
			"nix-store --query --hash /nix/store/ccc": errors.New("no such path"),
		},
	}

	insp := NewInspector(runner, nil)
	infos, err := insp.QueryOutputs(context.Background(), drv, map[string]string{
		"out": "/nix/store/bbb",
		"dev": "/nix/store/ccc",
	})
	if err == nil {
		t.Fatalf("expected error, got %v", infos)
	}
	if infos != nil {
		t.Errorf("infos = %v, want nil on failure", infos)
	}
}

func TestRealisePassesTimeouts(t *testing.T) {
	runner := &fakeRunner{outputs: map[string]string{
		"nix-store --realise --timeout 3600 --max-silent-time 600 " + drv: "/nix/store/bbb\n",
	}}

	insp := NewInspector(runner, nil)
	err := insp.Realise(context.Background(), drv, time.Hour, 10*time.Minute)
	if err != nil {
		t.Fatalf("Realise: %v", err)
	}
}

func TestIsValidStorePath(t *testing.T) {
	valid := "/nix/store/" + strings.Repeat("a", 32) + "-hello"
	cases := map[string]bool{
		valid:                    true,
		"/nix/store/short-hello": false,
		"/tmp/evil":              false,
		"":                       false,
	}
	for path, want := range cases {
		if got := IsValidStorePath(path); got != want {
			t.Errorf("IsValidStorePath(%q) = %v, want %v", path, got, want)
		}
	}
}

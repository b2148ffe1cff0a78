package intel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleSource = `import { helper } from './util';

export function greet(name: string): string {
	return "hello " + name;
}

const localFn = (x: number) => x * 2;

export class Greeter {
	private prefix: string;

	constructor(prefix: string) {
		this.prefix = prefix;
	}

	say(name: string): string {
		return this.prefix + name;
	}

	private reset() {
		this.prefix = "";
	}
}

export interface Options {
	loud: boolean;
}

export type Mode = 'quiet' | 'loud';

export const MAX_RETRIES = 3;

export enum Level {
	Low,
	High,
}
`

func symbolsByName(syms []Symbol) map[string]Symbol {
	out := make(map[string]Symbol, len(syms))
	for _, s := range syms {
		out[s.Name] = s
	}
	return out
}

func TestExtractSymbolsKinds(t *testing.T) {
	syms := symbolsByName(ExtractSymbols(sampleSource))

	cases := []struct {
		name, kind string
		exported   bool
	}{
		{"greet", KindFunction, true},
		{"localFn", KindFunction, false},
		{"Greeter", KindClass, true},
		{"Options", KindInterface, true},
		{"Mode", KindType, true},
		{"MAX_RETRIES", KindConstant, true},
		{"Level", KindEnum, true},
	}
	for _, c := range cases {
		s, ok := syms[c.name]
		if !ok {
			t.Errorf("Missing symbol %s", c.name)
			continue
		}
		if s.Kind != c.kind {
			t.Errorf("%s kind = %s, want %s", c.name, s.Kind, c.kind)
		}
		if s.IsExported != c.exported {
			t.Errorf("%s exported = %v, want %v", c.name, s.IsExported, c.exported)
		}
	}
}

func TestExtractSymbolsMethods(t *testing.T) {
	syms := ExtractSymbols(sampleSource)

	var say, reset *Symbol
	for i := range syms {
		switch syms[i].Name {
		case "say":
			say = &syms[i]
		case "reset":
			reset = &syms[i]
		}
	}
	if say == nil || reset == nil {
		t.Fatalf("Class methods missing: %+v", syms)
	}
	if say.Kind != KindMethod || say.ParentClass != "Greeter" {
		t.Errorf("say: %+v", say)
	}
	if !say.IsExported {
		t.Error("Public method should be exported")
	}
	if reset.IsExported {
		t.Error("Private method should not be exported")
	}
}

func TestExtractSymbolsParamsAndReturns(t *testing.T) {
	syms := symbolsByName(ExtractSymbols(sampleSource))
	greet := syms["greet"]
	if greet.Parameters != "name: string" {
		t.Errorf("Parameters = %q", greet.Parameters)
	}
	if strings.TrimSpace(greet.Returns) != "string" {
		t.Errorf("Returns = %q", greet.Returns)
	}
	if greet.LineStart >= greet.LineEnd {
		t.Errorf("Line range wrong: %d..%d", greet.LineStart, greet.LineEnd)
	}
}

func TestExtractSymbolsExcludesControlFlow(t *testing.T) {
	src := `export class C {
	run() {
		if (x) {
			return 1;
		}
		for (const y of z) {
		}
	}
}`
	for _, s := range ExtractSymbols(src) {
		if s.Name == "if" || s.Name == "for" || s.Name == "return" {
			t.Errorf("Control keyword extracted as symbol: %+v", s)
		}
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("same content"))
	b := ContentHash([]byte("same content"))
	c := ContentHash([]byte("other content"))
	if a != b {
		t.Errorf("Hash not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("Different content hashed identically")
	}
	if len(a) != 8 {
		t.Errorf("Hash length = %d, want 8 hex chars", len(a))
	}
}

func TestParseFileSizeCap(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.ts")
	if err := os.WriteFile(big, make([]byte, maxParseBytes+1), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFile(big); err == nil {
		t.Fatal("Oversized file must be rejected")
	}

	small := filepath.Join(dir, "small.ts")
	if err := os.WriteFile(small, []byte("export function f() {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	pf, err := ParseFile(small)
	if err != nil {
		t.Fatalf("ParseFile failed: %v", err)
	}
	if len(pf.Symbols) != 1 || pf.Symbols[0].Name != "f" {
		t.Errorf("Symbols = %+v", pf.Symbols)
	}
	if pf.ContentHash == "" {
		t.Error("Hash missing")
	}
}

func TestBodyOf(t *testing.T) {
	syms := symbolsByName(ExtractSymbols(sampleSource))
	body := BodyOf(sampleSource, syms["greet"])
	if !strings.Contains(body, `return "hello " + name;`) {
		t.Errorf("Body = %q", body)
	}
	if strings.Contains(body, "class Greeter") {
		t.Errorf("Body overran into the class: %q", body)
	}
}

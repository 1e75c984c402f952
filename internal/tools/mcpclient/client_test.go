package mcpclient

import "testing"

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in       string
		wantExec string
		wantArgs []string
	}{
		{"", "", nil},
		{"/bin/foo", "/bin/foo", []string{}},
		{"/bin/foo --bar baz", "/bin/foo", []string{"--bar", "baz"}},
	}
	for _, c := range cases {
		exec, args := splitCommand(c.in)
		if exec != c.wantExec {
			t.Errorf("splitCommand(%q) exec = %q, want %q", c.in, exec, c.wantExec)
		}
		if len(args) != len(c.wantArgs) {
			t.Errorf("splitCommand(%q) args = %v, want %v", c.in, args, c.wantArgs)
			continue
		}
		for i := range args {
			if args[i] != c.wantArgs[i] {
				t.Errorf("splitCommand(%q) args[%d] = %q, want %q", c.in, i, args[i], c.wantArgs[i])
			}
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("schemaToMap(nil) = %v, want a default object schema", m)
	}

	direct := map[string]any{"type": "string"}
	if m := schemaToMap(direct); m["type"] != "string" {
		t.Errorf("schemaToMap(map) = %v, want passthrough", m)
	}

	type schemaStruct struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(schemaStruct{Type: "number"}); m["type"] != "number" {
		t.Errorf("schemaToMap(struct) = %v, want round-tripped via JSON", m)
	}
}

package tools

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/zyr3x/opengemini/pkg/mcp"
)

func textDef(name string, out string) Definition {
	return Definition{
		Name:        name,
		Description: name + " test tool",
		Parameters:  schemaFor[emptyArgs](),
		ServerID:    BuiltinServerID,
		Cacheable:   true,
		handler: func(ctx context.Context, env *Env, args map[string]interface{}) string {
			return out
		},
	}
}

func TestRegistryCollisionKeepsFirst(t *testing.T) {
	r := NewRegistry(0)
	r.RegisterBuiltins([]Definition{textDef("echo", "builtin")})
	r.RegisterExternal("remote", []mcp.Tool{{Name: "echo", Description: "remote echo"}})

	def, ok := r.Lookup("echo")
	if !ok {
		t.Fatal("echo missing")
	}
	if def.ServerID != BuiltinServerID {
		t.Errorf("collision resolved to %q, want builtin", def.ServerID)
	}
	if got := r.Names(); len(got) != 1 {
		t.Errorf("Names = %v, want one entry", got)
	}
}

func TestRegistryExternalSchemaPassthrough(t *testing.T) {
	r := NewRegistry(0)
	schema := `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`
	r.RegisterExternal("weather", []mcp.Tool{
		{Name: "forecast", Description: "weather lookup", InputSchema: json.RawMessage(schema)},
		{Name: "bare"},
	})

	def, _ := r.Lookup("forecast")
	var want map[string]interface{}
	if err := json.Unmarshal([]byte(schema), &want); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(def.Parameters, want) {
		t.Errorf("schema mangled: %#v", def.Parameters)
	}
	if def.ServerID != "weather" || !def.Cacheable || def.Mutating {
		t.Errorf("external definition flags wrong: %+v", def)
	}

	bare, _ := r.Lookup("bare")
	if bare.Parameters["type"] != "object" {
		t.Errorf("missing schema must become a permissive object: %#v", bare.Parameters)
	}
}

func TestRegistryDeclarationsOrderAndCap(t *testing.T) {
	r := NewRegistry(2)
	r.RegisterBuiltins([]Definition{
		textDef("alpha", ""), textDef("beta", ""), textDef("gamma", ""),
	})

	decls := r.Declarations(nil)
	if len(decls) != 2 {
		t.Fatalf("cap not applied, got %d declarations", len(decls))
	}
	if decls[0].Name != "alpha" || decls[1].Name != "beta" {
		t.Errorf("registration order lost: %s, %s", decls[0].Name, decls[1].Name)
	}
}

func TestRegistryDeclarationsSelection(t *testing.T) {
	r := NewRegistry(0)
	r.RegisterBuiltins([]Definition{
		textDef("alpha", ""), textDef("beta", ""), textDef("gamma", ""),
	})

	decls := r.Declarations([]string{"gamma", "alpha"})
	if len(decls) != 2 {
		t.Fatalf("selection not applied, got %d", len(decls))
	}
	if decls[0].Name != "alpha" || decls[1].Name != "gamma" {
		t.Errorf("selection must keep registration order: %s, %s", decls[0].Name, decls[1].Name)
	}

	if decls := r.Declarations([]string{"nope"}); len(decls) != 0 {
		t.Errorf("unknown selection produced %d declarations", len(decls))
	}
}

func TestRegistryDisable(t *testing.T) {
	r := NewRegistry(0)
	r.RegisterBuiltins([]Definition{textDef("alpha", "")})
	r.Disable()

	if decls := r.Declarations(nil); decls != nil {
		t.Errorf("disabled registry still advertises %d tools", len(decls))
	}
	if _, ok := r.Lookup("alpha"); !ok {
		t.Error("disable must not unregister tools")
	}
}

package config

import (
	"context"
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Manifest: {
	resources: [...{type: "cron", name: string}]
}
`

	if err := sr.RegisterSchema("cron-only", customSchema); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("cron-only")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}
	if _, err := sr.Definition("cron-only"); err != nil {
		t.Errorf("expected #Manifest definition: %v", err)
	}
}

func TestSchemaRegistry_BuiltInSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	schema, ok := sr.GetSchema(ManifestSchema)
	if !ok {
		t.Fatal("built-in manifest schema not found")
	}
	if schema.Err() != nil {
		t.Errorf("built-in schema has errors: %v", schema.Err())
	}
}

func TestSchemaRegistry_ValidateManifest(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name     string
		manifest Manifest
		wantErr  bool
	}{
		{
			name: "valid manifest",
			manifest: Manifest{
				Defaults: map[string]TypeDefaults{"cron": {Provider: "crontab", Target: "alice"}},
				Resources: []ResourceSpec{{
					Type: "cron",
					Name: "backup",
					Properties: map[string]interface{}{
						"command": "/bin/backup",
						"hour":    2,
						"weekday": []interface{}{"mon", "fri"},
						"month":   nil,
					},
				}},
			},
		},
		{
			name: "invalid type",
			manifest: Manifest{
				Resources: []ResourceSpec{{Type: "Cron", Name: "backup"}},
			},
			wantErr: true,
		},
		{
			name: "multi-line name",
			manifest: Manifest{
				Resources: []ResourceSpec{{Type: "cron", Name: "a\nb"}},
			},
			wantErr: true,
		},
		{
			name: "nested property",
			manifest: Manifest{
				Resources: []ResourceSpec{{
					Type:       "cron",
					Name:       "backup",
					Properties: map[string]interface{}{"command": map[string]interface{}{"x": 1}},
				}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, ManifestSchema, tt.manifest)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ListSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("extra", `#Manifest: {...}`); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	got := strings.Join(sr.ListSchemas(), ",")
	if got != "extra,manifest" {
		t.Errorf("ListSchemas() = %s, want extra,manifest", got)
	}
}

func TestSchemaRegistry_Errors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", `#Manifest: {`); err == nil {
		t.Error("expected error for invalid schema")
	}
	if err := sr.RegisterSchema("nodef", `x: 1`); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if _, err := sr.Definition("nodef"); err == nil {
		t.Error("expected error for schema without #Manifest")
	}
	if _, err := sr.Definition("missing"); err == nil {
		t.Error("expected error for unknown schema")
	}
}

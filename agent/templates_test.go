package agent

import (
	"strings"
	"testing"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/policy"
)

func TestTemplates(t *testing.T) {
	ids := map[string]bool{}
	for _, tmpl := range Templates() {
		if tmpl.Instructions == "" || tmpl.Permission == "" {
			t.Errorf("template %s is incomplete: %+v", tmpl.ID, tmpl)
		}
		ids[tmpl.ID] = tmpl.RequiresDirectory
	}
	want := map[string]bool{"general-assistant": false, "code-refactor": false, "bug-fixer": true, "documentation": true}
	for id, dir := range want {
		got, ok := ids[id]
		if !ok || got != dir {
			t.Errorf("template %s: present=%v requiresDirectory=%v", id, ok, got)
		}
	}
	Templates()[0].Tags[0] = "mutated"
	if Templates()[0].Tags[0] == "mutated" {
		t.Error("Templates() shares its tag slices")
	}
}

func TestTemplateApply(t *testing.T) {
	tests := []struct {
		name     string
		id       string
		opts     Options
		wantErr  errors.Kind
		wantPerm policy.Permission
		wantText []string
	}{
		{"task appended", "code-refactor", Options{Instructions: "tidy parser.go"}, "", policy.Standard, []string{"suggest improvements", "\n\ntidy parser.go"}},
		{"no task", "general-assistant", Options{}, "", policy.Standard, []string{"helpful coding assistant"}},
		{"explicit permission wins", "general-assistant", Options{Permission: policy.Restricted}, "", policy.Restricted, nil},
		{"directory required", "bug-fixer", Options{Instructions: "crash on start"}, errors.Validation, "", nil},
		{"directory given", "bug-fixer", Options{Instructions: "crash on start", WorkingDirectory: "/src"}, "", policy.Standard, []string{"Locate the source"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := LookupTemplate(tt.id)
			if err != nil {
				t.Fatal(err)
			}
			got, err := tmpl.Apply(tt.opts)
			if tt.wantErr != "" {
				if !errors.IsKind(err, tt.wantErr) {
					t.Fatalf("Apply() error = %v, want %s", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got.Permission != tt.wantPerm {
				t.Errorf("permission = %s, want %s", got.Permission, tt.wantPerm)
			}
			for _, w := range tt.wantText {
				if !strings.Contains(got.Instructions, w) {
					t.Errorf("instructions %q missing %q", got.Instructions, w)
				}
			}
		})
	}
	if _, err := LookupTemplate("nope"); !errors.IsKind(err, errors.Validation) {
		t.Errorf("LookupTemplate(nope) = %v", err)
	}
}

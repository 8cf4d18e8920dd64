package main

import (
	"encoding/json"
	"testing"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    string
		wantErr bool
	}{
		{
			name:  "nil input",
			pairs: nil,
			want:  "null",
		},
		{
			name:  "plain strings",
			pairs: []string{"title=Checkout flow", "owner=platform"},
			want:  `{"owner":"platform","title":"Checkout flow"}`,
		},
		{
			name:  "numbers and booleans",
			pairs: []string{"originalEstimate=5", "dailyRate=412.5", "archived=false"},
			want:  `{"archived":false,"dailyRate":412.5,"originalEstimate":5}`,
		},
		{
			name:  "json array value",
			pairs: []string{`roster=["tmm-1","tmm-2"]`},
			want:  `{"roster":["tmm-1","tmm-2"]}`,
		},
		{
			name:  "null removes",
			pairs: []string{"notes=null"},
			want:  `{"notes":null}`,
		},
		{
			name:  "dotted keys nest",
			pairs: []string{"costs.licence=120", "costs.hosting=80"},
			want:  `{"costs":{"hosting":80,"licence":120}}`,
		},
		{
			name:  "version-like string stays a string",
			pairs: []string{"release=1.2.3"},
			want:  `{"release":"1.2.3"}`,
		},
		{
			name:  "invalid json object stays a string",
			pairs: []string{"note={oops"},
			want:  `{"note":"{oops"}`,
		},
		{
			name:    "missing equals",
			pairs:   []string{"noequals"},
			wantErr: true,
		},
		{
			name:    "empty key",
			pairs:   []string{"=value"},
			wantErr: true,
		},
		{
			name:    "nesting under a scalar",
			pairs:   []string{"costs=5", "costs.licence=1"},
			wantErr: true,
		},
		{
			name:    "empty segment",
			pairs:   []string{"costs.=1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.pairs)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseFields(%v) = %v, want error", tt.pairs, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFields(%v) error = %v", tt.pairs, err)
			}
			data, _ := json.Marshal(got)
			if string(data) != tt.want {
				t.Errorf("parseFields(%v) = %s, want %s", tt.pairs, data, tt.want)
			}
		})
	}
}

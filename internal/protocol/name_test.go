package protocol

import "testing"

func TestParseSessionName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    SessionName
		wantErr bool
	}{
		{
			name:  "well formed",
			input: "crm:deal:8842",
			want:  SessionName{Namespace: "crm", EntityType: "deal", EntityID: "8842"},
		},
		{
			name:  "placeholder entity id",
			input: "crm:deal:local-9f2c",
			want:  SessionName{Namespace: "crm", EntityType: "deal", EntityID: "local-9f2c"},
		},
		{name: "too few segments", input: "crm:deal", wantErr: true},
		{name: "too many segments", input: "crm:deal:8842:extra", wantErr: true},
		{name: "empty namespace", input: ":deal:8842", wantErr: true},
		{name: "empty entity type", input: "crm::8842", wantErr: true},
		{name: "empty entity id", input: "crm:deal:", wantErr: true},
		{name: "whitespace in segment", input: "crm:deal x:8842", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSessionName(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseSessionName(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSessionName(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parsed = %+v, want %+v", got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want round-trip %q", got.String(), tt.input)
			}
		})
	}
}

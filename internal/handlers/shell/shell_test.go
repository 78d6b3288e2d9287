package shell

import (
	"context"
	"testing"

	"cmdsched/internal/domain"
)

type other struct{ domain.Scheduled }

func (o *other) CommandName() string { return "other" }

func TestShellHandle(t *testing.T) {
	tests := []struct {
		name    string
		cmd     domain.Command
		wantErr bool
	}{
		{"runs program", &Command{Program: "true"}, false},
		{"failing program", &Command{Program: "false"}, true},
		{"missing program", &Command{}, true},
		{"wrong type", &other{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Shell{}.Handle(context.Background(), tt.cmd)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommandIsStateless(t *testing.T) {
	if domain.IsStateful(&Command{}) {
		t.Fatal("shell commands must be stateless")
	}
}

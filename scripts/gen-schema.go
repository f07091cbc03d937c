//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/epitrace/epitrace/pkg/trace"
	"github.com/epitrace/epitrace/pkg/validate"
)

func main() {
	if err := os.MkdirAll("schemas", 0755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir: %v\n", err)
		os.Exit(1)
	}

	types := []trace.Type{
		trace.TypeEpisodeStart,
		trace.TypeStep,
		trace.TypeToolCall,
		trace.TypeEpisodeEnd,
	}
	for _, t := range types {
		data, err := validate.GenerateEventSchema(t)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error generating %s schema: %v\n", t, err)
			os.Exit(1)
		}
		path := fmt.Sprintf("schemas/%s-v0.json", t)
		if err := os.WriteFile(path, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", path)
	}
}

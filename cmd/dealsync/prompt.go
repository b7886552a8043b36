package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/dealsync/dealsync/internal/resolve"
)

// promptResolution returns a PromptFunc that settles record conflicts
// field by field in the terminal. Outside a terminal it returns nil and
// the resolver falls back to merge.
func promptResolution() resolve.PromptFunc {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	return resolveInTerminal
}

// resolveInTerminal walks the user through every field where the local
// and remote copies disagree. Fields only one side set carry over
// untouched.
func resolveInTerminal(local, remote map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(remote)+len(local))
	for k, v := range remote {
		resolved[k] = v
	}

	type choice struct {
		key    string
		local  any
		picked string
	}
	var choices []*choice
	var fields []huh.Field

	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lv := local[k]
		rv, inRemote := remote[k]
		if !inRemote {
			resolved[k] = lv
			continue
		}
		if reflect.DeepEqual(lv, rv) {
			continue
		}
		c := &choice{key: k, local: lv, picked: "remote"}
		choices = append(choices, c)
		fields = append(fields, huh.NewSelect[string]().
			Title(k).
			Description(fmt.Sprintf("Yours: %v\nTheirs: %v", lv, rv)).
			Options(
				huh.NewOption(fmt.Sprintf("Take theirs (%v)", rv), "remote"),
				huh.NewOption(fmt.Sprintf("Keep yours (%v)", lv), "local"),
			).
			Value(&c.picked))
	}
	if len(choices) == 0 {
		return resolved, nil
	}

	fmt.Println("Another client changed this record while you were editing it.")
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		// Declining (ctrl-c) falls back to the merge strategy.
		return nil, err
	}
	for _, c := range choices {
		if c.picked == "local" {
			resolved[c.key] = c.local
		}
	}
	return resolved, nil
}

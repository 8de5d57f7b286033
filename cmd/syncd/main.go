package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/jbcrane13/CrabyFace-sub003/internal/app"
	"github.com/jbcrane13/CrabyFace-sub003/internal/buildinfo"
	"github.com/jbcrane13/CrabyFace-sub003/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := a.Run(ctx, subcommandArgs(os.Args[1:])); err != nil {
		log.Fatalf("%v", err)
	}
}

// subcommandArgs strips flags (consumed by the config layer) and returns the
// positional arguments, i.e. the subcommand and its operands.
func subcommandArgs(args []string) []string {
	var out []string
	skip := false
	for _, a := range args {
		if skip {
			skip = false
			continue
		}
		if strings.HasPrefix(a, "-") {
			// Flags in this program all take a value.
			if !strings.Contains(a, "=") {
				skip = true
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

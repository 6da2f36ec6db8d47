package main

import (
	"os"

	_ "github.com/joho/godotenv/autoload"

	"github.com/bnema/reach/internal/adapters/in/cli"
	buildinfo "github.com/bnema/reach/pkg/version"
)

var (
	version string
	commit  string
	date    string
)

func main() {
	buildinfo.Set(version, commit, date)
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

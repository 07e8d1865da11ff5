// Command ruleset-hash prints the commitment for a rule set name, as
// stamped on matches by the arena service.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/louisbranch/arena/internal/platform/config"
	"github.com/louisbranch/arena/internal/services/arena/domain"
)

func main() {
	ruleset := flag.String("ruleset", "", "rule set name to hash")
	if err := flag.CommandLine.Parse(os.Args[1:]); err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if strings.TrimSpace(*ruleset) == "" {
		config.Exitf("a -ruleset name is required")
	}
	fmt.Println(domain.Commit(*ruleset))
}

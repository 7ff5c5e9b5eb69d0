// Package util holds the one CLI helper small enough not to need its own
// package: a yes/no confirmation prompt.
package util

import (
	"fmt"
	"strings"
)

// AskYN prompts the user for yes/no confirmation, returning defaultYes if
// they just hit enter.
func AskYN(prompt string, defaultYes bool) bool {
	if defaultYes {
		fmt.Printf("%s [Y/n]: ", prompt)
	} else {
		fmt.Printf("%s [y/N]: ", prompt)
	}

	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}

// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/quarry-pm/quarry/cmd/quarry"

func main() {
	cmd.Execute()
}

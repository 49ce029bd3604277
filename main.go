// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/releasekit/releasekit/cmd/releasekit"

func main() {
	cmd.Execute()
}

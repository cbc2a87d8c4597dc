// Command pfmailbox is the pfmailbox command-line tool.
package main

import "github.com/sarchlab/pfmailbox/cmd"

func main() {
	cmd.Execute()
}

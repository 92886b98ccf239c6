// Command edunexia-authz runs the EdunexIA authorization service.
package main

import "github.com/eduzayn/edunexiareplit-ai-sub007/cmd/edunexia-authz/cmd"

func main() {
	cmd.Execute()
}

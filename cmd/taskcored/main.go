package main

import "github.com/yamato-ai/taskcore/services/taskcored/cli"

func main() {
	cli.Execute()
}

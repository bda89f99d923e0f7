package main

import (
	"github.com/luma/beanstalk/cmd"
)

func main() {
	cmd.Execute()
}

// Package main is the grps server entrypoint.
package main

import (
	"github.com/NetEase-Media/grps/internal/cli"
	"github.com/NetEase-Media/grps/internal/daemon"
)

func main() {
	cli.Execute(daemon.Version)
}

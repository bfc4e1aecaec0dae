package main

import "github.com/OscarOtaloraBVC/k6-grafana/cmd"

func main() {
	cmd.Execute()
}

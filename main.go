/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "extbridge/cmd"

func main() {
	cmd.Execute()
}

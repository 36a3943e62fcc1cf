package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
)

func printTable(header []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.AppendBulk(rows)
	table.Render()
}

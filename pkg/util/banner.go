package util

import "github.com/common-nighthawk/go-figure"

// Banner renders text as ASCII art for the run command's startup output.
func Banner(text string) string {
	return figure.NewFigure(text, "", true).String()
}

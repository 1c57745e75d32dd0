// Package logx is the structured logging layer of eventbot.
//
// Logger is a small value type on top of zerolog. The Service behind it
// writes a readable console line, JSON to an optional file, and forwards
// warnings to the operator chat as HTML, rate limited and with repeats of
// the same failure folded together.
package logx

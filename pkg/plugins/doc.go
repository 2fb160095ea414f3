// ABOUTME: Built-in process plugins and the CLI chain parser
// ABOUTME: Gain and limiter stages attachable to either engine chain
// Package plugins ships the process plugins the CLI can attach to a
// session's capture or playback chain.
//
// Chain specs use the form "i:<plugins>;o:<plugins>", plugins separated
// by commas, arguments in parentheses:
//
//	i:gain(-3),limiter(2);o:limiter(1)
package plugins

// Package resource is the script library behind the scheduler.
//
// Scripts are Go source files run by the yaegi interpreter, one interpreter
// per environment. A script declares package main, imports "jj" for the
// scheduler API and exposes entry points as exported functions:
//
//	Main()   runs once when the environment initializes
//	Ready()  runs for every document request once Main has completed
//	<Event>  runs when a connected client fires Event
//
// Entry points take no arguments or a []any of event arguments and may
// return an error.
package resource

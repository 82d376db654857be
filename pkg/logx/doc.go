// Package logx is postpilot's logging front end over zerolog.
//
// Components receive a Logger by value and tag it with Component. Stdout is
// either the console format or JSON; the optional log file is always JSON.
// The Service can be re-applied when the logging section of the config file
// changes, and loggers already handed out pick up the new outputs.
package logx

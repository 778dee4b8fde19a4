// Package logx provides structured logging on top of zerolog with
// runtime-reconfigurable sinks (console, file).
//
// Components hold a logx.Logger value; the Service owns sink wiring and can
// swap outputs/levels on config reload without invalidating held loggers.
package logx

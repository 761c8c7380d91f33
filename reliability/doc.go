// Package reliability collects what goes wrong while a queue is consumed.
//
// This package provides:
//   - ErrorRecord: one failure with its origin queue and stack trace
//   - ErrorLog: an accumulator that is flushed to the log after every delivery
//   - Metrics: counters for deliveries, callback failures and stop reasons
//
// Example usage:
//
//	errs := reliability.NewErrorLog(logger)
//	errs.AddError(reliability.ErrorRecord{
//	    Message:    "Error (Exception): order 42 not found",
//	    Origin:     "orders",
//	    StackTrace: string(debug.Stack()),
//	})
//	errs.PrintErrors()
package reliability

// Package capture redirects the process-wide standard streams onto private
// backing files and restores them afterwards.
//
// Redirection works on descriptor numbers, so it affects every goroutine in
// the process, os/exec children started while a capture is installed, and
// any C code writing to descriptors 0, 1 or 2. Callers must hold Lock for the
// whole capture window, and nothing else in the process may write to the
// captured streams during it. That includes loggers.
//
// A capture is installed by exchanging the live descriptor with the backing
// descriptor through a scratch file:
//
//	renumber(live, scratch)     scratch now refers to the live stream
//	renumber(backing, live)     live now refers to the backing file
//	renumber(scratch, backing)  backing now holds the saved stream
//
// Each step overwrites a slot that the previous step already copied, so no
// descriptor number is ever left free for another goroutine to claim. Stop
// runs the same exchange again to put the saved stream back.
package capture

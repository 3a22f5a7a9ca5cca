// Command shfsadm administers a mounted SHFS volume: adding, removing,
// and listing content-addressed objects stored across its members.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/shfs-tools/shfsadm/engine"
	"github.com/shfs-tools/shfsadm/logger"
	"github.com/shfs-tools/shfsadm/shfserr"
	"github.com/shfs-tools/shfsadm/shfsvol"
)

const progName = "shfsadm"
const progVersion = "shfsadm 1.0"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "%s: out of memory: %v\n", progName, r)
			os.Exit(1)
		}
	}()
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet(progName, pflag.ContinueOnError)
	fs.SetInterspersed(true)

	b := &tokenBuilder{}

	fs.VarP(addObjValue{b}, "add-obj", "a", "add a file as a new object")
	fs.VarP(mimeValue{b}, "mime", "m", "mime type for the preceding --add-obj")
	fs.VarP(nameValue{b}, "name", "n", "display name for the preceding --add-obj")
	fs.VarP(hashActionValue{b, engine.RmObj}, "rm-obj", "r", "remove an object by hash")
	fs.VarP(hashActionValue{b, engine.CatObj}, "cat-obj", "c", "write an object's content to stdout")
	fs.VarP(hashActionValue{b, engine.SetDefault}, "set-default", "d", "mark an object as the volume's default")
	registerNoArg(fs, noArgActionValue{b, engine.ClearDefault}, "clear-default", "C", "clear the volume's default object")
	registerNoArg(fs, noArgActionValue{b, engine.Ls}, "ls", "l", "list stored objects")
	registerNoArg(fs, noArgActionValue{b, engine.Info}, "info", "i", "show volume information")

	verbosity := fs.CountP("verbose", "v", "increase verbosity (repeatable up to 2)")
	force := fs.BoolP("force", "f", false, "suppress interactive confirmation (currently a no-op)")
	help := fs.BoolP("help", "h", false, "display this help and exit")
	version := fs.BoolP("version", "V", false, "display program version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *help {
		printUsage(fs)
		return 0
	}
	if *version {
		fmt.Println(progVersion)
		return 0
	}
	_ = force // §4.6: carried through as a documented no-op, nothing to bypass today.

	if *verbosity > logger.MaxVerbosity {
		*verbosity = logger.MaxVerbosity
	}
	logger.SetVerbosity(*verbosity)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "shfsadm: no member devices given")
		printUsage(fs)
		return 1
	}

	mounted, err := shfsvol.Mount(paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shfsadm: mount failed: %s\n", shfserr.Details(err))
		return 1
	}

	var cancelled atomic.Bool
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		for range sigc {
			cancelled.Store(true)
		}
	}()
	defer signal.Stop(sigc)

	eng := engine.New(mounted, os.Stdout, cancelled.Load)
	results := eng.Run(b.tokens)

	wasCancelled := false
	failures := 0
	for _, r := range results {
		switch r.Outcome {
		case engine.UserErr:
			failures++
			fmt.Fprintf(os.Stderr, "shfsadm: %s: %s\n", r.Token.Kind, shfserr.Details(r.Err))
		case engine.Cancelled:
			wasCancelled = true
		}
	}

	if err := shfsvol.Unmount(mounted); err != nil {
		fmt.Fprintf(os.Stderr, "shfsadm: unmount: %s\n", shfserr.Details(err))
	}

	switch {
	case wasCancelled:
		return -2
	case failures > 0:
		return 1
	default:
		return 0
	}
}

func registerNoArg(fs *pflag.FlagSet, v noArgActionValue, name, short, usage string) {
	fs.VarP(v, name, short, usage)
	fs.Lookup(name).NoOptDefVal = "true"
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] device...\n\n", progName)
	fs.PrintDefaults()
}

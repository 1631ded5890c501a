package main

import (
	"github.com/pkg/errors"

	"github.com/sliverarmory/injektor"
	"github.com/sliverarmory/injektor/memmod"
	"github.com/sliverarmory/injektor/procmaps"
	"github.com/sliverarmory/injektor/remote"
	"github.com/sliverarmory/injektor/resolve"
	"github.com/sliverarmory/injektor/symtab"
)

// Exit codes. Each failure class gets its own so scripts can tell them
// apart without parsing the log.
const (
	exitOK = iota
	exitFailure
	exitTargetNotFound
	exitLibraryNotFound
	exitUnresolved
	exitAttach
	exitAllocation
	exitWrite
	exitCall
)

var errUsage = errors.New("invalid argument")

// exitClasses is checked in order. Later stages come first: a failed call
// that also failed to read registers is a call failure, and a resolver
// error mentioning an unmapped module is a resolution failure.
var exitClasses = []struct {
	code int
	errs []error
}{
	{exitTargetNotFound, []error{injektor.ErrTargetNotFound}},
	{exitLibraryNotFound, []error{injektor.ErrLibraryNotFound, memmod.ErrEmptyImage, memmod.ErrForeignImage}},
	{exitAllocation, []error{remote.ErrAllocation}},
	{exitWrite, []error{remote.ErrRemoteWrite}},
	{exitCall, []error{remote.ErrRemoteCall}},
	{exitAttach, []error{remote.ErrAttach, remote.ErrDetach, remote.ErrRegisterAccess, remote.ErrNotAttached}},
	{exitUnresolved, []error{
		resolve.ErrUnresolved,
		symtab.ErrSymbolNotFound,
		symtab.ErrDuplicateSymbol,
		symtab.ErrElfParse,
		symtab.ErrDecompression,
		symtab.ErrSectionNotFound,
		procmaps.ErrTranslationUnavailable,
		procmaps.ErrBuildMismatch,
	}},
	{exitLibraryNotFound, []error{procmaps.ErrModuleNotMapped}},
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	for _, c := range exitClasses {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.code
			}
		}
	}
	return exitFailure
}

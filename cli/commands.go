package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/injektor"
	"github.com/sliverarmory/injektor/symtab"
)

var loadCmd = &cobra.Command{
	Use:   "load <pid|process> <shared library>",
	Short: "Make the target dlopen a shared library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		inMemory, _ := cmd.Flags().GetBool("memory")
		return run(cmd, func(a *app) error {
			path, err := filepath.Abs(args[1])
			if err != nil {
				return errors.Wrap(injektor.ErrLibraryNotFound, err.Error())
			}
			target, err := a.open(args[0])
			if err != nil {
				return err
			}
			return a.detachAfter(target, func() error {
				load := target.LoadLibrary
				if inMemory {
					load = func(path string) (uint64, error) {
						data, err := os.ReadFile(path)
						if err != nil {
							return 0, errors.Wrap(injektor.ErrLibraryNotFound, err.Error())
						}
						return target.LoadLibraryImage(data)
					}
				}
				handle, err := load(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", handle)
				return nil
			})
		})
	},
}

var callCmd = &cobra.Command{
	Use:   "call <pid|process> <module> <symbol> [args...]",
	Short: "Call a function in the target and print its return value",
	Long: "Arguments are integers (0x prefixes allowed) or, with --string, NUL terminated\n" +
		"strings copied into the target whose address is passed instead.",
	Args: cobra.RangeArgs(3, 7),
	RunE: func(cmd *cobra.Command, args []string) error {
		stringArg, _ := cmd.Flags().GetString("string")
		values, err := parseArgs(args[3:])
		if err != nil {
			return err
		}
		if stringArg != "" && len(values) == 4 {
			return errors.Wrap(errUsage, "--string needs a free argument slot")
		}
		return run(cmd, func(a *app) error {
			target, err := a.open(args[0])
			if err != nil {
				return err
			}
			return a.withAttached(target, func() error {
				if stringArg != "" {
					addr, err := target.WriteString(stringArg)
					if err != nil {
						return err
					}
					values = append([]uint64{addr}, values...)
				}
				ret, err := target.CallSymbol(args[1], args[2], values...)
				if err != nil {
					return err
				}
				level.Info(a.logger).Log("msg", "call returned", "symbol", args[2], "ret", fmt.Sprintf("%#x", ret))
				fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", ret)
				return nil
			})
		})
	},
}

func parseArgs(args []string) ([]uint64, error) {
	values := make([]uint64, 0, len(args))
	for _, s := range args {
		v, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			n, ierr := strconv.ParseInt(s, 0, 64)
			if ierr != nil {
				return nil, errors.Wrapf(errUsage, "argument %q is not an integer", s)
			}
			v = uint64(n)
		}
		values = append(values, v)
	}
	return values, nil
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <pid|process> <module> <symbol>",
	Short: "Print the address of a function in the target without attaching",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, func(a *app) error {
			target, err := a.open(args[0])
			if err != nil {
				return err
			}
			addr, err := target.Resolve(args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", addr)
			return nil
		})
	},
}

var symbolTables = map[string]func([]byte) (*symtab.Table, error){
	"dynsym": func(data []byte) (*symtab.Table, error) { return symtab.ReadTable(data, elf.SHT_DYNSYM) },
	"symtab": func(data []byte) (*symtab.Table, error) { return symtab.ReadTable(data, elf.SHT_SYMTAB) },
	"gnu_debugdata": func(data []byte) (*symtab.Table, error) {
		return symtab.MiniDebugInfoTable(data, nil)
	},
}

var symbolsCmd = &cobra.Command{
	Use:   "symbols <elf file>",
	Short: "List the function symbols of an ELF file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		demangled, _ := cmd.Flags().GetBool("demangle")
		load, ok := symbolTables[table]
		if !ok {
			return errors.Wrapf(errUsage, "unknown table %q", table)
		}
		return run(cmd, func(a *app) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if id, err := symtab.ReadBuildID(data); err == nil {
				level.Info(a.logger).Log("msg", "build id", "file", args[0], "id", id)
			}
			t, err := load(data)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range t.Symbols() {
				name := s.Name
				if demangled {
					name = s.Demangled()
				}
				fmt.Fprintf(out, "%016x %8d %s\n", s.Value, s.Size, name)
			}
			return nil
		})
	},
}

func init() {
	loadCmd.Flags().Bool("memory", false, "Read the library here and let the target load it from an anonymous file")
	callCmd.Flags().String("string", "", "Copy this string into the target and pass its address as the first argument")
	symbolsCmd.Flags().String("table", "dynsym", "Symbol table: dynsym, symtab or gnu_debugdata")
	symbolsCmd.Flags().Bool("demangle", false, "Print demangled C++ names")
}

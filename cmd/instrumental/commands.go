package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mabuchilab/instrumental/internal/driver"
	"github.com/mabuchilab/instrumental/internal/facet"
	"github.com/mabuchilab/instrumental/internal/instrument"
)

func newListCmd(g *globals) *cobra.Command {
	var asINI bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate connected instruments",
		Long: `Scan VISA resources and every non-VISA driver module for connected
instruments. Modules listed in instruments.driver_blacklist are skipped.

Examples:
  instrumental list          # One ParamSet per line
  instrumental list --ini    # Lines ready for an [instruments] section`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()

			found, err := s.engine.ListInstruments(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(found) == 0 {
				fmt.Fprintln(out, "No instruments found")
				return nil
			}
			for i, ps := range found {
				if asINI {
					fmt.Fprintln(out, ps.ToINI(fmt.Sprintf("instrument%d", i+1)))
					continue
				}
				fmt.Fprintln(out, ps.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asINI, "ini", false, "print entries in INI alias form")
	return cmd
}

func newDriversCmd(_ *globals) *cobra.Command {
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "drivers",
		Short: "Show registered driver modules in resolution order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printDrivers(cmd.OutOrStdout(), driver.Default().Modules(), outputJSON)
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output as JSON")
	return cmd
}

// driverInfo is the JSON form of one registered module.
type driverInfo struct {
	Name     string      `json:"name"`
	Priority int         `json:"priority"`
	Params   []string    `json:"params"`
	Classes  []string    `json:"classes"`
	Caps     driver.Caps `json:"caps"`
}

func printDrivers(out io.Writer, modules []*driver.Module, asJSON bool) error {
	if asJSON {
		infos := make([]driverInfo, 0, len(modules))
		for _, m := range modules {
			infos = append(infos, driverInfo{
				Name:     m.Name,
				Priority: m.EffectivePriority(),
				Params:   m.Params,
				Classes:  m.ClassNames(),
				Caps:     m.Caps(),
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tPRIORITY\tCLASSES\tPARAMS\tHOOKS")
	for _, m := range modules {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			m.Name,
			m.EffectivePriority(),
			strings.Join(m.ClassNames(), ","),
			strings.Join(m.Params, ","),
			hookNames(m.Caps()),
		)
	}
	return tw.Flush()
}

func hookNames(c driver.Caps) string {
	var hooks []string
	if c.ListInstruments {
		hooks = append(hooks, "list")
	}
	if c.Instrument {
		hooks = append(hooks, "instrument")
	}
	if c.CheckVisaSupport {
		hooks = append(hooks, "visa-check")
	}
	if c.CloseResource {
		hooks = append(hooks, "close")
	}
	if c.Available {
		hooks = append(hooks, "available")
	}
	if len(hooks) == 0 {
		return "-"
	}
	return strings.Join(hooks, ",")
}

func newOpenCmd(g *globals) *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "open <alias | key=value...>",
		Short: "Resolve an instrument and print its facets",
		Example: `  instrumental open lockin
  instrumental open module=lockins.sr850 visa_address=GPIB0::8::INSTR
  instrumental open serial=1234`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.resolveTarget(cmd.Context(), args)
			if err != nil {
				return err
			}
			return printFacets(cmd.OutOrStdout(), inst, noCache)
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "read every facet from the device")
	return cmd
}

// printFacets prints the identity of inst followed by one line per
// readable facet. Read failures are printed in place of the value.
func printFacets(out io.Writer, inst instrument.Instrument, noCache bool) error {
	fmt.Fprintln(out, inst)
	if alias := inst.Alias(); alias != "" {
		fmt.Fprintf(out, "alias: %s\n", alias)
	}

	var opts []facet.CallOption
	if noCache {
		opts = append(opts, facet.NoCache())
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range inst.Facets().All() {
		if !d.Facet().Readable() {
			fmt.Fprintf(tw, "%s\t(write-only)\n", d.Name())
			continue
		}
		v, err := d.Get(opts...)
		if err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\n", d.Name(), err)
			continue
		}
		fmt.Fprintf(tw, "%s\t%v\n", d.Name(), v)
	}
	return tw.Flush()
}

func newGetCmd(g *globals) *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:     "get <alias | key=value...> <facet>",
		Short:   "Read one facet",
		Example: `  instrumental get lockin frequency`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, name := args[:len(args)-1], args[len(args)-1]

			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.resolveTarget(cmd.Context(), target)
			if err != nil {
				return err
			}
			var opts []facet.CallOption
			if noCache {
				opts = append(opts, facet.NoCache())
			}
			v, err := inst.Get(name, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the facet cache")
	return cmd
}

func newSetCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <alias | key=value...> <facet> <value>",
		Short: "Write one facet",
		Long: `Write one facet. Values of facets with units accept a unit suffix and
are converted, so "2.5 kHz" and 2500 both set a frequency facet in Hz.`,
		Example: `  instrumental set lockin frequency "2.5 kHz"
  instrumental set oven setpoint "318 K"`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := len(args)
			target, name, value := args[:n-2], args[n-2], args[n-1]

			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.resolveTarget(cmd.Context(), target)
			if err != nil {
				return err
			}
			if err := inst.Set(name, value); err != nil {
				return err
			}
			v, err := inst.Get(name)
			if err != nil {
				if errors.Is(err, facet.ErrNotReadable) {
					return nil
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", name, v)
			return nil
		},
	}
	return cmd
}

func newSaveCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "save <name> <alias | key=value...>",
		Short: "Open an instrument and save its parameters under an alias",
		Long: `Resolve the instrument, then store its complete ParamSet under name so
later commands can open it by that name. An existing name is only replaced
with --force.`,
		Example: `  instrumental save lockin module=lockins.sr850 visa_address=GPIB0::8::INSTR
  instrumental save oven serial=1234 --force`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			s, err := openSession(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer s.Close()

			inst, err := s.resolveTarget(cmd.Context(), args[1:])
			if err != nil {
				return err
			}
			if err := inst.SaveInstrument(cmd.Context(), name, force); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), inst.ParamSet().ToINI(name))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "replace an existing alias")
	return cmd
}

package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/instances"
	"github.com/seantiz/anvil/internal/model"
)

func registerInstancesCommand(root *cobra.Command, a *app) {
	instCmd := &cobra.Command{
		Use:     "instances",
		Aliases: []string{"gpus"},
		Short:   "Browse GPU types, regions and prices",
	}
	root.AddCommand(instCmd)

	instCmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List GPU types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			types, err := c.Types(cmd.Context(), false)
			if err != nil {
				return err
			}
			return a.render(cmd, types, func(w io.Writer) {
				fmt.Fprintln(w, "TYPE\tNAME\tCOUNTS\tDESCRIPTION")
				for _, id := range slices.Sorted(maps.Keys(types)) {
					g := types[id]
					counts := make([]string, 0, len(g.Configs))
					for _, n := range instances.AvailableCounts(g) {
						counts = append(counts, fmt.Sprint(n))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, g.Name, orDash(strings.Join(counts, ",")), orDash(g.Description))
				}
			})
		},
	})

	instCmd.AddCommand(&cobra.Command{
		Use:   "regions",
		Short: "List regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			regions, err := c.Regions(cmd.Context(), false)
			if err != nil {
				return err
			}
			return a.render(cmd, regions, func(w io.Writer) {
				fmt.Fprintln(w, "REGION\tDESCRIPTION\tCOUNTRY")
				for _, id := range slices.Sorted(maps.Keys(regions)) {
					r := regions[id]
					fmt.Fprintf(w, "%s\t%s\t%s\n", id, r.Description, orDash(r.Country))
				}
			})
		},
	})

	instCmd.AddCommand(&cobra.Command{
		Use:   "pricing",
		Short: "List hourly prices per configuration and region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			pricing, err := c.Pricing(cmd.Context(), false)
			if err != nil {
				return err
			}
			return a.render(cmd, pricing, func(w io.Writer) {
				fmt.Fprintln(w, "CONFIG\tREGION\tON-DEMAND\tINTERRUPTIBLE")
				for _, key := range slices.Sorted(maps.Keys(pricing)) {
					for _, t := range pricing[key].Tiers {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key, t.Region, formatPrice(t.OnDemand), formatPrice(t.Interruptible))
					}
				}
			})
		},
	})

	var gpuType, region string
	availableCmd := &cobra.Command{
		Use:   "available",
		Short: "List every offered configuration with its prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			rows, err := c.ListAvailable(cmd.Context(), gpuType, region)
			if err != nil {
				return err
			}
			return a.render(cmd, rows, func(w io.Writer) {
				fmt.Fprintln(w, "CONFIG\tGPU\tREGION\tCPU\tMEMORY\tON-DEMAND\tSPOT")
				for _, r := range rows {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.0f GB\t%s\t%s\n",
						model.PricingKey(r.GPUType, r.GPUCount), r.GPUName, r.RegionName, r.CPUCores, r.MemoryGB,
						formatPrice(r.PriceOnDemand), formatPrice(r.PriceSpot))
				}
			})
		},
	}
	availableCmd.Flags().StringVar(&gpuType, "gpu-type", "", "Only this GPU type")
	availableCmd.Flags().StringVar(&region, "region", "", "Only this region")
	instCmd.AddCommand(availableCmd)

	var (
		count         int
		priceRegion   string
		interruptible bool
	)
	priceCmd := &cobra.Command{
		Use:   "price <gpu-type>",
		Short: "Show the hourly price of one configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			p, err := c.GetPrice(cmd.Context(), args[0], count, priceRegion, interruptible)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("no price for %s in %s", model.PricingKey(args[0], count), priceRegion)
			}
			out := map[string]any{
				"gpu_type":       args[0],
				"gpu_count":      count,
				"region":         priceRegion,
				"interruptible":  interruptible,
				"price_per_hour": *p,
			}
			return a.render(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "%s\t%s\t%s\n", model.PricingKey(args[0], count), priceRegion, formatPrice(p))
			})
		},
	}
	priceCmd.Flags().IntVar(&count, "count", 1, "Number of GPUs")
	priceCmd.Flags().StringVar(&priceRegion, "region", "", "Region")
	priceCmd.Flags().BoolVar(&interruptible, "interruptible", false, "Interruptible price")
	priceCmd.MarkFlagRequired("region")
	instCmd.AddCommand(priceCmd)

	var capacityType string
	capacityCmd := &cobra.Command{
		Use:   "capacity",
		Short: "Show live capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.instances()
			if err != nil {
				return err
			}
			report, err := c.Capacity(cmd.Context(), capacityType)
			if err != nil {
				return err
			}
			// The report shape is owned by the control plane, so the table
			// form is the YAML form.
			if a.output == "table" {
				a.output = "yaml"
			}
			return a.render(cmd, report, nil)
		},
	}
	capacityCmd.Flags().StringVar(&capacityType, "gpu-type", "", "Only this GPU type")
	instCmd.AddCommand(capacityCmd)
}

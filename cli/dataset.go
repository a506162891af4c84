package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/octstream/catalog"
	"go.viam.com/octstream/culler"
	"go.viam.com/octstream/octree"
	"go.viam.com/octstream/utils/diskusage"
)

// fitMargin keeps stars on the extent of a fitted tree strictly inside the root.
const fitMargin = 1.0001

// BuildAction ingests star files into a tree and writes it as a dataset.
func BuildAction(c *cli.Context) (err error) {
	paths := c.Args().Slice()
	if len(paths) == 0 {
		return errors.New("at least one star file is required")
	}
	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, env.close())
	}()

	stars, err := catalog.ReadStarsFiles(c.Context, paths...)
	if err != nil {
		return err
	}
	opts, err := env.options()
	if err != nil {
		return err
	}
	if extent := catalog.Extent(stars); c.Bool(buildFlagFit) && extent > 0 {
		opts.MaxDist = extent * fitMargin
	} else if extent > opts.MaxDist {
		low, high := catalog.BoundsOf(stars)
		warningf(c.App.ErrWriter, "stars span %v to %v, outside max_dist %v; use --%s to size the tree to them",
			low, high, opts.MaxDist, buildFlagFit)
	}

	m, err := octree.NewManager(opts, culler.Always{}, env.octreeLogger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, m.Close())
	}()

	inserted, err := m.InsertAll(stars)
	if err != nil {
		return err
	}
	if rejected := len(stars)/octree.StarSize - inserted; rejected > 0 {
		warningf(c.App.ErrWriter, "rejected %d stars outside the tree", rejected)
	}
	env.logger.Debugw("built tree", "stars", inserted, "nodes", m.TotalNodes(), "depth", m.TotalDepth())

	// Uncompressed size; compressed datasets are smaller.
	estimate := uint64(inserted)*octree.StarSize*4 + uint64(m.TotalNodes())*octree.NodeHeaderSize
	if usage, err := diskusage.Nearest(c.Path(buildFlagOut)); err != nil {
		env.logger.Debugw("could not check free disk space", "error", err)
	} else if !usage.Fits(estimate) {
		return errors.Errorf("dataset needs up to %d bytes but only %d are available", estimate, usage.AvailableBytes)
	}

	manifest, err := m.WriteDataset(c.Context, c.Path(buildFlagOut))
	if err != nil {
		return err
	}
	printf(c.App.Writer, "wrote %d stars in %d nodes to %s (dataset %s)",
		manifest.NumPoints, m.TotalNodes(), c.Path(buildFlagOut), manifest.ID)
	return nil
}

// openDataset opens the dataset named by the first argument for synchronous reading.
func openDataset(c *cli.Context, env *environment) (*octree.Manager, *octree.Manifest, error) {
	dir := c.Args().First()
	if dir == "" {
		return nil, nil, errors.New("a dataset directory is required")
	}
	opts, err := env.options()
	if err != nil {
		return nil, nil, err
	}
	return octree.OpenDataset(dir, opts, culler.Always{}, env.octreeLogger)
}

// InfoAction prints a dataset's manifest, tree statistics and leaf occupancy.
func InfoAction(c *cli.Context) (err error) {
	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, env.close())
	}()

	m, manifest, err := openDataset(c, env)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, m.Close())
	}()

	branches := make([]string, 0, len(manifest.Branches))
	for _, index := range manifest.Branches {
		branches = append(branches, fmt.Sprint(index))
	}
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetTitle("Dataset " + manifest.ID.String())
	t.AppendRows([]table.Row{
		{"Created", manifest.Created.Format("2006-01-02 15:04:05 MST")},
		{"Stars", manifest.NumPoints},
		{"Max stars per node", manifest.MaxStarsPerNode},
		{"Max dist", manifest.MaxDist},
		{"Max depth", manifest.MaxDepth},
		{"First LOD depth", manifest.FirstLodDepth},
		{"Render option", manifest.RenderOption},
		{"Compressed", manifest.Compressed},
		{"Branches", strings.Join(branches, " ")},
	})
	t.Render()

	treeStats := m.Stats()
	t = table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.SetTitle("Tree")
	t.AppendRows([]table.Row{
		{"Nodes", treeStats.TotalNodes},
		{"Leaves", treeStats.NumLeafNodes},
		{"Inner nodes", treeStats.NumInnerNodes},
		{"Depth", treeStats.TotalDepth},
		{"Fullest leaf", treeStats.MaxStarsPerNode},
	})
	t.Render()

	return printOccupancy(c.App.Writer, "Leaf occupancy", m.LeafCounts())
}

// printOccupancy summarizes counts with mean, median, p95 and standard deviation.
func printOccupancy(w io.Writer, title string, counts []int) error {
	if len(counts) == 0 {
		printf(w, "%s: no stars", title)
		return nil
	}
	data := stats.LoadRawData(counts)
	mean, err := stats.Mean(data)
	if err != nil {
		return err
	}
	median, err := stats.Median(data)
	if err != nil {
		return err
	}
	p95, err := stats.Percentile(data, 95)
	if err != nil {
		return err
	}
	stddev, err := stats.StandardDeviation(data)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Nodes", "Mean", "Median", "P95", "Std Dev"})
	t.AppendRow(table.Row{
		len(counts),
		fmt.Sprintf("%.1f", mean),
		fmt.Sprintf("%.1f", median),
		fmt.Sprintf("%.1f", p95),
		fmt.Sprintf("%.1f", stddev),
	})
	t.Render()
	return nil
}

// ExportAction loads every branch of a dataset and writes its stars to a pcd file.
func ExportAction(c *cli.Context) (err error) {
	if c.Args().Len() != 2 {
		return errors.New("expected a dataset directory and an output file")
	}
	format, err := catalog.PCDTypeFromString(c.String(exportFlagFormat))
	if err != nil {
		return err
	}
	option, err := octree.RenderOptionFromString(c.String(exportFlagRender))
	if err != nil {
		return err
	}

	env, err := newEnvironment(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, env.close())
	}()

	m, _, err := openDataset(c, env)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, m.Close())
	}()
	if err := m.PrefetchBranches(-1); err != nil && !errors.Is(err, octree.ErrBranchNotFound) {
		return err
	}

	stars := m.GetAllData(octree.RenderMotion)
	out := c.Args().Get(1)
	//nolint:gosec
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := multierr.Combine(catalog.WritePCD(f, stars, option, format), f.Close()); err != nil {
		return errors.Wrapf(err, "failed to write %q", out)
	}
	printf(c.App.Writer, "exported %d stars to %s", len(stars)/octree.StarSize, out)
	return nil
}

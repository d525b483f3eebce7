// Command dyldcache-builder is the thin CLI harness around
// pkg/cachebuild: it owns flag parsing, manifest loading, and output
// writing, and nothing else. All placement, linking, and signing logic
// lives in pkg/cachebuild and the packages it orchestrates.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/PureDarwin/dyldcache/pkg/cacheinput"
	"github.com/PureDarwin/dyldcache/pkg/cachebuild"
	"github.com/PureDarwin/dyldcache/pkg/sign"
	"github.com/PureDarwin/dyldcache/pkg/slideinfo"
)

var (
	manifestPath  string
	addFiles      []string
	addSymlinks   []string
	outPath       string
	inputRoot     string
	verbose       bool
	optimizeSize  bool
	locallyBuilt  bool
	writeMapFile  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Errorf("dyldcache-builder: %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dyldcache-builder",
		Short: "Build a dyld shared cache image from a manifest of dylibs",
		RunE:  runBuild,
	}

	flags := cmd.Flags()
	flags.StringVar(&manifestPath, "manifest", "", "path to a cachebuild.Options JSON manifest (required)")
	flags.StringArrayVar(&addFiles, "add-file", nil, "extra input path[:install-name], repeatable")
	flags.StringArrayVar(&addSymlinks, "add-symlink", nil, "extra symlink from:to, repeatable")
	flags.StringVar(&outPath, "out", "", "output cache file path (required)")
	flags.StringVar(&inputRoot, "root", "", "directory relative input paths are resolved against")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&optimizeSize, "optimize-for-size", false, "strip local symbols to the unmapped region (C7 StripLocals)")
	flags.BoolVar(&locallyBuilt, "locally-built", false, "mark the cache as built locally rather than for on-disk distribution")
	flags.BoolVar(&writeMapFile, "map-file", false, "emit a .map text + JSON file alongside the cache image")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("out")

	v := viper.New()
	v.SetEnvPrefix("DYLDCACHE")
	v.AutomaticEnv()
	v.BindPFlags(flags)

	cobra.OnInitialize(func() {
		manifestPath = v.GetString("manifest")
		outPath = v.GetString("out")
		inputRoot = v.GetString("root")
		verbose = v.GetBool("verbose")
		optimizeSize = v.GetBool("optimize-for-size")
		locallyBuilt = v.GetBool("locally-built")
		writeMapFile = v.GetBool("map-file")
	})

	return cmd
}

func runBuild(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts, err := loadOptions(manifestPath)
	if err != nil {
		return errors.Wrap(err, "loading manifest")
	}
	if err := applyOverrides(&opts); err != nil {
		return err
	}

	fsys := cacheinput.NewMmapFS(inputRoot)
	for from, to := range opts.Symlinks {
		fsys.AddSymlink(from, to)
	}
	res, err := cachebuild.Build(fsys, opts)
	if err != nil {
		return errors.Wrap(err, "build")
	}

	for _, w := range res.Warnings {
		log.Warn(w)
	}
	for _, ev := range res.Evicted {
		log.Infof("evicted from cache: %s", ev)
	}

	if err := os.WriteFile(outPath, res.Image, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", outPath)
	}
	log.Infof("wrote %s (%d bytes, uuid %x)", outPath, len(res.Image), res.UUID)

	if writeMapFile && res.MapFileText != "" {
		mapBase := strings.TrimSuffix(outPath, filepath.Ext(outPath))
		if err := os.WriteFile(mapBase+".map", []byte(res.MapFileText), 0o644); err != nil {
			return errors.Wrap(err, "writing map file")
		}
		if err := os.WriteFile(mapBase+".map.json", res.MapFileJSON, 0o644); err != nil {
			return errors.Wrap(err, "writing map file json")
		}
	}

	return nil
}

// loadOptions decodes the manifest JSON directly into cachebuild.Options
// (its own doc comment: "a flat DTO decoded with encoding/json"). Every
// cobra/viper flag layered on top of it is applied afterward in
// applyOverrides.
func loadOptions(path string) (cachebuild.Options, error) {
	var opts cachebuild.Options
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, errors.Wrap(err, "parsing manifest json")
	}
	if opts.CachePageSize == 0 {
		opts.CachePageSize = 16384
	}
	if opts.SlideVersion == 0 {
		opts.SlideVersion = slideinfo.V3
	}
	if opts.Digest == 0 {
		opts.Digest = sign.DigestSHA256Only
	}
	return opts, nil
}

func applyOverrides(opts *cachebuild.Options) error {
	if opts.Symlinks == nil {
		opts.Symlinks = make(map[string]string)
	}
	for _, spec := range addFiles {
		path, installName, _ := strings.Cut(spec, ":")
		opts.Paths = append(opts.Paths, path)
		if installName != "" {
			opts.MustInclude = append(opts.MustInclude, installName)
		}
	}
	for _, spec := range addSymlinks {
		from, to, ok := strings.Cut(spec, ":")
		if !ok {
			return fmt.Errorf("--add-symlink %q: want from:to", spec)
		}
		opts.Symlinks[from] = to
	}
	if optimizeSize {
		opts.StripLocals = true
	}
	if locallyBuilt {
		opts.DylibsExpectedOnDisk = false
	}
	opts.MapFile = opts.MapFile || writeMapFile
	return nil
}

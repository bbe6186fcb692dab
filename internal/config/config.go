// Package config handles configuration loading for the spatx pipeline.
package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the full pipeline configuration.
type Config struct {
	Run          RunConfig          `yaml:"run"`
	Data         DataConfig         `yaml:"data"`
	Output       OutputConfig       `yaml:"output"`
	Filter       FilterConfig       `yaml:"filter"`
	Normalize    NormalizeConfig    `yaml:"normalize"`
	HVF          HVFConfig          `yaml:"hvf"`
	PCA          PCAConfig          `yaml:"pca"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Markers      MarkersConfig      `yaml:"markers"`
	Annotate     AnnotateConfig     `yaml:"annotate"`
	Spatial      SpatialConfig      `yaml:"spatial"`
	SpatialGenes SpatialGenesConfig `yaml:"spatial_genes"`
	Coexpression CoexpressionConfig `yaml:"coexpression"`
	HMRF         HMRFConfig         `yaml:"hmrf"`
	Interactions InteractionsConfig `yaml:"interactions"`
	Server       ServerConfig       `yaml:"server"`
	Cache        CacheConfig        `yaml:"cache"`
	Render       RenderConfig       `yaml:"render"`
	Store        StoreConfig        `yaml:"store"`
}

// RunConfig contains run-wide settings.
type RunConfig struct {
	Name    string `yaml:"name"`
	Seed    int64  `yaml:"seed"`
	Workers int    `yaml:"workers"`
}

// DataConfig contains input file settings. Expression and coordinate
// files may be plain text or gzip/zstd compressed.
type DataConfig struct {
	ExpressionPath  string `yaml:"expression_path"`
	CoordinatesPath string `yaml:"coordinates_path"`
	LRPairsPath     string `yaml:"lr_pairs_path"`
}

// OutputConfig controls where results and figures land.
type OutputConfig struct {
	Dir         string `yaml:"dir"`
	SaveFigures bool   `yaml:"save_figures"`
}

// FilterConfig contains expression-filter thresholds.
type FilterConfig struct {
	DetectionThreshold float64 `yaml:"detection_threshold"`
	MinObsPerFeature   int     `yaml:"min_obs_per_feature"`
	MinFeaturesPerObs  int     `yaml:"min_features_per_obs"`
}

// NormalizeConfig contains library-size normalization settings.
type NormalizeConfig struct {
	ScaleFactor float64 `yaml:"scale_factor"`
	LogBase     float64 `yaml:"log_base"`
	Scale       bool    `yaml:"scale"`
}

// HVFConfig contains highly-variable feature detection settings.
type HVFConfig struct {
	NBins         int     `yaml:"n_bins"`
	CovPercentile float64 `yaml:"cov_percentile"`
	MinMeanExpr   float64 `yaml:"min_mean_expr"`
}

// PCAConfig contains dimension-reduction settings.
type PCAConfig struct {
	NComponents  int  `yaml:"n_components"`
	Center       bool `yaml:"center"`
	ScaleUnitVar bool `yaml:"scale_unit_var"`
}

// ClusterConfig contains expression-graph clustering settings.
type ClusterConfig struct {
	K          int     `yaml:"k"`
	Dims       int     `yaml:"dims"`
	SharedNN   bool    `yaml:"shared_nn"`
	MinShared  int     `yaml:"min_shared"`
	Resolution float64 `yaml:"resolution"`
	Column     string  `yaml:"column"`
	LayoutIter int     `yaml:"layout_iterations"`
}

// MarkersConfig contains marker-detection thresholds.
type MarkersConfig struct {
	MinPct    float64 `yaml:"min_pct"`
	MinLog2FC float64 `yaml:"min_log2fc"`
}

// AnnotateConfig maps cluster IDs to cell-type labels.
type AnnotateConfig struct {
	Labels    map[string]string `yaml:"labels"`
	OutColumn string            `yaml:"out_column"`
}

// SpatialConfig contains spatial grid and network settings.
type SpatialConfig struct {
	GridStepX     float64 `yaml:"grid_step_x"`
	GridStepY     float64 `yaml:"grid_step_y"`
	NetworkMethod string  `yaml:"network_method"` // delaunay, knn, distance
	NetworkK      int     `yaml:"network_k"`
	NetworkRadius float64 `yaml:"network_radius"`
	MaxEdge       float64 `yaml:"max_edge"`
}

// SpatialGenesConfig contains spatial-gene detection settings.
type SpatialGenesConfig struct {
	Method       string `yaml:"method"` // binspect, moran, geary
	Permutations int    `yaml:"permutations"`
	TopFeatures  int    `yaml:"top_features"`
}

// CoexpressionConfig contains co-expression module settings.
type CoexpressionConfig struct {
	NModules int `yaml:"n_modules"`
}

// HMRFConfig contains spatial-domain detection settings.
type HMRFConfig struct {
	K       int     `yaml:"k"`
	Beta    float64 `yaml:"beta"`
	MaxIter int     `yaml:"max_iter"`
}

// InteractionsConfig contains cell-interaction analysis settings.
type InteractionsConfig struct {
	Permutations int     `yaml:"permutations"`
	MinObs       int     `yaml:"min_obs"`
	MinLog2FC    float64 `yaml:"min_log2fc"`
}

// ServerConfig contains HTTP results-server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// CacheConfig contains caching settings for the results server.
type CacheConfig struct {
	FigureSizeMB     int `yaml:"figure_size_mb"`
	FigureTTLMinutes int `yaml:"figure_ttl_minutes"`
	QueryCacheSize   int `yaml:"query_cache_size"`
}

// RenderConfig contains figure rendering settings.
type RenderConfig struct {
	Width           int     `yaml:"width"`
	Height          int     `yaml:"height"`
	PointRadius     float64 `yaml:"point_radius"`
	DefaultColormap string  `yaml:"default_colormap"`
}

// StoreConfig contains result-store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file. The file is decoded on top
// of DefaultConfig, so omitted keys keep their defaults while explicit
// values, including false and zero, are kept as written.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration. Analysis parameters
// default to the values of the reference seqFISH cortex workflow.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Name:    "spatx-run",
			Seed:    1234,
			Workers: runtime.NumCPU(),
		},
		Data: DataConfig{
			ExpressionPath:  "./data/expression.tsv",
			CoordinatesPath: "./data/coordinates.tsv",
		},
		Output: OutputConfig{
			Dir:         "./results",
			SaveFigures: true,
		},
		Filter: FilterConfig{
			DetectionThreshold: 1,
			MinObsPerFeature:   10,
			MinFeaturesPerObs:  10,
		},
		Normalize: NormalizeConfig{
			ScaleFactor: 6000,
			LogBase:     2,
			Scale:       true,
		},
		HVF: HVFConfig{
			NBins:         20,
			CovPercentile: 75,
			MinMeanExpr:   0.1,
		},
		PCA: PCAConfig{
			NComponents: 10,
			Center:      true,
		},
		Cluster: ClusterConfig{
			K:          15,
			Dims:       10,
			SharedNN:   true,
			MinShared:  5,
			Resolution: 0.4,
			Column:     "leiden_clus",
			LayoutIter: 200,
		},
		Markers: MarkersConfig{
			MinPct:    0.1,
			MinLog2FC: 0.1,
		},
		Annotate: AnnotateConfig{
			OutColumn: "cell_types",
		},
		Spatial: SpatialConfig{
			GridStepX:     500,
			GridStepY:     500,
			NetworkMethod: "delaunay",
			NetworkK:      5,
			NetworkRadius: 400,
		},
		SpatialGenes: SpatialGenesConfig{
			Method:       "binspect",
			Permutations: 100,
			TopFeatures:  100,
		},
		Coexpression: CoexpressionConfig{
			NModules: 7,
		},
		HMRF: HMRFConfig{
			K:       9,
			Beta:    28,
			MaxIter: 50,
		},
		Interactions: InteractionsConfig{
			Permutations: 200,
			MinObs:       5,
			MinLog2FC:    0.1,
		},
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Cache: CacheConfig{
			FigureSizeMB:     128,
			FigureTTLMinutes: 10,
			QueryCacheSize:   256,
		},
		Render: RenderConfig{
			Width:           800,
			Height:          800,
			PointRadius:     3,
			DefaultColormap: "viridis",
		},
		Store: StoreConfig{
			Path: "./results/spatx.db",
		},
	}
}

// Validate rejects settings no stage could run with.
func (c *Config) Validate() error {
	switch c.Spatial.NetworkMethod {
	case "delaunay", "knn", "distance":
	default:
		return fmt.Errorf("unknown spatial network method %q", c.Spatial.NetworkMethod)
	}
	switch c.SpatialGenes.Method {
	case "binspect", "moran", "geary":
	default:
		return fmt.Errorf("unknown spatial gene method %q", c.SpatialGenes.Method)
	}
	if c.Normalize.ScaleFactor < 0 {
		return fmt.Errorf("normalize scale_factor must be >= 0")
	}
	if c.PCA.NComponents < 1 {
		return fmt.Errorf("pca n_components must be >= 1")
	}
	return nil
}

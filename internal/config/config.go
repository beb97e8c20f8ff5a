// Code written 2021 by Hauke Bartsch.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config resolves study folders from the site configuration.
//
// The site configuration is a YAML file:
//
//	projects_dir: /archive/data
//	site_code: CMH
//	paths:
//	  meta: metadata
//	  zips: data/zips
//	sftp:
//	  server: mrftp.example.org
//	  users: [mruser]
//	projects:
//	  SPN01:
//	    dir: SPN01
//	    site_code: CMH
//	    sftp:
//	      folders: ["SPN01_*"]
//
// Its location comes from DM_CONFIG unless given explicitly, DM_PROJECTS_DIR
// overrides projects_dir.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

const (
	Meta  = "meta"
	Zips  = "zips"
	Dicom = "dicom"
	Nii   = "nii"
)

var (
	ErrNoConfig     = errors.New("no site configuration, set DM_CONFIG or use --config")
	ErrUnknownStudy = errors.New("unknown study")
	ErrUnknownPath  = errors.New("unknown path key")
	ErrNoSFTP       = errors.New("no sftp server configured")
)

const (
	DefaultSFTPPort     = 22
	DefaultPasswordFile = "mrftppass.txt"
)

// DefaultPaths are the study sub folders used when the site configuration
// does not name them.
var DefaultPaths = map[string]string{
	Meta:  "metadata",
	Zips:  "data/zips",
	Dicom: "data/dcm",
	Nii:   "data/nii",
}

// Env holds the environment variables read at startup.
type Env struct {
	ConfigFile  string `env:"DM_CONFIG"`
	ProjectsDir string `env:"DM_PROJECTS_DIR"`
}

// ParseEnv reads Env from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// SFTP describes the server a study pulls its exam archives from. Users
// and folders may be given as a single string or as a list.
type SFTP struct {
	Server  string   `mapstructure:"server"`
	Port    int      `mapstructure:"port"`
	Users   []string `mapstructure:"users"`
	Folders []string `mapstructure:"folders"`
	// PasswordFile holds one password per user, in the order of Users.
	// Relative paths are taken from the study meta folder.
	PasswordFile string `mapstructure:"password_file"`
}

// Project is the per-study part of the site configuration.
type Project struct {
	Dir      string            `mapstructure:"dir"`
	SiteCode string            `mapstructure:"site_code"`
	Modality string            `mapstructure:"modality"`
	Paths    map[string]string `mapstructure:"paths"`
	SFTP     SFTP              `mapstructure:"sftp"`
}

// Config is the site configuration.
type Config struct {
	ProjectsDir string             `mapstructure:"projects_dir"`
	SiteCode    string             `mapstructure:"site_code"`
	Modality    string             `mapstructure:"modality"`
	Paths       map[string]string  `mapstructure:"paths"`
	SFTP        SFTP               `mapstructure:"sftp"`
	Projects    map[string]Project `mapstructure:"projects"`
}

// Load reads the site configuration from path, or from DM_CONFIG when path
// is empty.
func Load(path string) (*Config, error) {
	e, err := ParseEnv()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = e.ConfigFile
	}
	if path == "" {
		return nil, ErrNoConfig
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("site_code", "CMH")
	v.SetDefault("modality", "MR")
	v.SetDefault("sftp.port", DefaultSFTPPort)
	v.SetDefault("sftp.password_file", DefaultPasswordFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	// studies without overrides ("SPN01:" or "SPN01: {}") are dropped by
	// the decoder but still name a study
	if raw, ok := v.Get("projects").(map[string]interface{}); ok {
		if c.Projects == nil {
			c.Projects = make(map[string]Project, len(raw))
		}
		for name := range raw {
			if _, ok := c.Projects[name]; !ok {
				c.Projects[name] = Project{}
			}
		}
	}
	if e.ProjectsDir != "" {
		c.ProjectsDir = e.ProjectsDir
	}
	if c.ProjectsDir == "" {
		c.ProjectsDir = filepath.Dir(path)
	}
	return &c, nil
}

// project finds a study ignoring case, viper lower cases map keys.
func (c *Config) project(study string) (Project, error) {
	for name, p := range c.Projects {
		if strings.EqualFold(name, study) {
			return p, nil
		}
	}
	return Project{}, fmt.Errorf("%w: %s", ErrUnknownStudy, study)
}

// StudyDir returns the top folder of a study.
func (c *Config) StudyDir(study string) (string, error) {
	p, err := c.project(study)
	if err != nil {
		return "", err
	}
	dir := p.Dir
	if dir == "" {
		dir = study
	}
	if filepath.IsAbs(dir) {
		return dir, nil
	}
	return filepath.Join(c.ProjectsDir, dir), nil
}

// Path returns the absolute folder for key (meta, zips, dicom, nii or any
// key of the configuration) of a study.
func (c *Config) Path(study, key string) (string, error) {
	p, err := c.project(study)
	if err != nil {
		return "", err
	}
	key = strings.ToLower(key)
	rel, ok := p.Paths[key]
	if !ok {
		rel, ok = c.Paths[key]
	}
	if !ok {
		rel, ok = DefaultPaths[key]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPath, key)
	}
	if filepath.IsAbs(rel) {
		return rel, nil
	}
	dir, err := c.StudyDir(study)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, rel), nil
}

// Site returns the site code used in session ids of a study.
func (c *Config) Site(study string) string {
	if p, err := c.project(study); err == nil && p.SiteCode != "" {
		return p.SiteCode
	}
	return c.SiteCode
}

// ModalitySuffix returns the modality suffix used in session ids of a study.
func (c *Config) ModalitySuffix(study string) string {
	if p, err := c.project(study); err == nil && p.Modality != "" {
		return p.Modality
	}
	return c.Modality
}

// SFTPServer returns the sftp settings of a study. Fields set for the
// study replace the site wide ones.
func (c *Config) SFTPServer(study string) (SFTP, error) {
	p, err := c.project(study)
	if err != nil {
		return SFTP{}, err
	}
	s := c.SFTP
	if p.SFTP.Server != "" {
		s.Server = p.SFTP.Server
	}
	if p.SFTP.Port != 0 {
		s.Port = p.SFTP.Port
	}
	if len(p.SFTP.Users) > 0 {
		s.Users = p.SFTP.Users
	}
	if len(p.SFTP.Folders) > 0 {
		s.Folders = p.SFTP.Folders
	}
	if p.SFTP.PasswordFile != "" {
		s.PasswordFile = p.SFTP.PasswordFile
	}
	if s.Port == 0 {
		s.Port = DefaultSFTPPort
	}
	if s.PasswordFile == "" {
		s.PasswordFile = DefaultPasswordFile
	}
	if s.Server == "" {
		return SFTP{}, fmt.Errorf("%w for %s", ErrNoSFTP, study)
	}
	if len(s.Users) == 0 || len(s.Folders) == 0 {
		return SFTP{}, fmt.Errorf("%w for %s: users or folders not defined", ErrNoSFTP, study)
	}
	if !filepath.IsAbs(s.PasswordFile) {
		meta, err := c.Path(study, Meta)
		if err != nil {
			return SFTP{}, err
		}
		s.PasswordFile = filepath.Join(meta, s.PasswordFile)
	}
	return s, nil
}

package openstack

import (
	"github.com/spf13/viper"
)

// Config holds Keystone v3 credentials for the target cloud.
type Config struct {
	AuthURL           string
	Username          string
	Password          string
	ProjectName       string
	UserDomainName    string
	ProjectDomainName string
	Region            string
	Insecure          bool
}

func NewConfig(conf *viper.Viper) Config {
	conf.SetDefault("openstack.user_domain_name", "Default")
	conf.SetDefault("openstack.project_domain_name", "Default")
	return Config{
		AuthURL:           conf.GetString("openstack.auth_url"),
		Username:          conf.GetString("openstack.username"),
		Password:          conf.GetString("openstack.password"),
		ProjectName:       conf.GetString("openstack.project_name"),
		UserDomainName:    conf.GetString("openstack.user_domain_name"),
		ProjectDomainName: conf.GetString("openstack.project_domain_name"),
		Region:            conf.GetString("openstack.region"),
		Insecure:          conf.GetBool("openstack.insecure"),
	}
}

func (c Config) Configured() bool {
	return c.AuthURL != "" && c.Username != "" && c.ProjectName != ""
}

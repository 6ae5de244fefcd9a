package identity

import (
	"time"

	"github.com/smallbiznis/shadowfiend/internal/config"
)

type named struct {
	Name string `json:"name"`
}

type authUser struct {
	Name     string `json:"name"`
	Domain   named  `json:"domain"`
	Password string `json:"password"`
}

type authRequest struct {
	Auth struct {
		Identity struct {
			Methods  []string `json:"methods"`
			Password struct {
				User authUser `json:"user"`
			} `json:"password"`
		} `json:"identity"`
		Scope struct {
			Project struct {
				Name   string `json:"name"`
				Domain named  `json:"domain"`
			} `json:"project"`
		} `json:"scope"`
	} `json:"auth"`
}

func passwordAuth(cfg config.IdentityConfig) authRequest {
	var req authRequest
	req.Auth.Identity.Methods = []string{"password"}
	req.Auth.Identity.Password.User = authUser{
		Name:     cfg.Username,
		Domain:   named{Name: cfg.UserDomainName},
		Password: cfg.Password,
	}
	req.Auth.Scope.Project.Name = cfg.ProjectName
	req.Auth.Scope.Project.Domain = named{Name: cfg.ProjectDomain}
	return req
}

type tokenResponse struct {
	Token struct {
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"token"`
}

type entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type usersResponse struct {
	Users []entity `json:"users"`
}

type rolesResponse struct {
	Roles []entity `json:"roles"`
}

type assignment struct {
	Role  *entity `json:"role"`
	User  *entity `json:"user"`
	Scope struct {
		Project *entity `json:"project"`
	} `json:"scope"`
}

type assignmentsResponse struct {
	RoleAssignments []assignment `json:"role_assignments"`
}

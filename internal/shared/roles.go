package shared

// Staff roles.
const (
	RoleAdmin        = "admin"
	RoleDoctor       = "doctor"
	RoleReceptionist = "receptionist"
)

// Area is a protected slice of the API.
type Area string

const (
	AreaPatients     Area = "patients"
	AreaAppointments Area = "appointments"
	AreaCatalogRead  Area = "catalog.read"
	AreaCatalogEdit  Area = "catalog.edit"
	AreaBilling      Area = "billing"
	AreaDues         Area = "dues"
	AreaSMS          Area = "sms"
	AreaReports      Area = "reports"
	AreaUsers        Area = "users"
	AreaSettings     Area = "settings"
)

var accessMatrix = map[Area][]string{
	AreaPatients:     {RoleAdmin, RoleReceptionist, RoleDoctor},
	AreaAppointments: {RoleAdmin, RoleReceptionist, RoleDoctor},
	AreaCatalogRead:  {RoleAdmin, RoleReceptionist, RoleDoctor},
	AreaCatalogEdit:  {RoleAdmin},
	AreaBilling:      {RoleAdmin, RoleReceptionist},
	AreaDues:         {RoleAdmin, RoleReceptionist},
	AreaSMS:          {RoleAdmin, RoleReceptionist},
	AreaReports:      {RoleAdmin, RoleDoctor},
	AreaUsers:        {RoleAdmin},
	AreaSettings:     {RoleAdmin},
}

// ValidRole reports whether role is a known staff role.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleDoctor, RoleReceptionist:
		return true
	}
	return false
}

// RolesFor lists the roles allowed into area. Unknown areas admit admins only.
func RolesFor(area Area) []string {
	roles, ok := accessMatrix[area]
	if !ok {
		return []string{RoleAdmin}
	}
	return append([]string(nil), roles...)
}

// CanAccess reports whether role may use area.
func CanAccess(role string, area Area) bool {
	for _, r := range RolesFor(area) {
		if r == role {
			return true
		}
	}
	return false
}

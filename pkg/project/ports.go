package project

import (
	"fmt"

	"gorm.io/gorm"
)

// PortAllocator hands out host ports for project containers from a fixed
// range, using the projects table as the source of truth so allocations
// survive restarts. Per-project job exclusion means at most one allocation
// per project runs at a time; allocations for different projects go
// through a transaction so two pipelines cannot pick the same port.
type PortAllocator struct {
	db    *gorm.DB
	start int
	end   int
}

// NewPortAllocator creates an allocator over [start, end).
func NewPortAllocator(db *gorm.DB, start, end int) *PortAllocator {
	return &PortAllocator{db: db, start: start, end: end}
}

// AllocatePair reserves two adjacent free ports (app, opencode) for the
// project and persists them. Idempotent: an existing allocation is
// returned unchanged.
func (a *PortAllocator) AllocatePair(projectID string) (appPort, opencodePort int, err error) {
	err = a.db.Transaction(func(tx *gorm.DB) error {
		var p Project
		if err := tx.First(&p, "id = ?", projectID).Error; err != nil && err != gorm.ErrRecordNotFound {
			return fmt.Errorf("load project: %w", err)
		}
		if p.AppPort != 0 && p.OpencodePort != 0 {
			appPort, opencodePort = p.AppPort, p.OpencodePort
			return nil
		}

		used, err := usedPorts(tx)
		if err != nil {
			return err
		}
		for port := a.start; port+1 < a.end; port += 2 {
			if used[port] || used[port+1] {
				continue
			}
			appPort, opencodePort = port, port+1
			return tx.Model(&Project{}).Where("id = ?", projectID).Updates(map[string]any{
				"app_port":      appPort,
				"opencode_port": opencodePort,
			}).Error
		}
		return fmt.Errorf("no free port pair in range %d-%d", a.start, a.end)
	})
	return appPort, opencodePort, err
}

// AllocateProduction reserves one free port for the production container
// and persists it. Idempotent.
func (a *PortAllocator) AllocateProduction(projectID string) (int, error) {
	var allocated int
	err := a.db.Transaction(func(tx *gorm.DB) error {
		var p Project
		if err := tx.First(&p, "id = ?", projectID).Error; err != nil {
			return fmt.Errorf("load project: %w", err)
		}
		if p.ProductionPort != 0 {
			allocated = p.ProductionPort
			return nil
		}

		used, err := usedPorts(tx)
		if err != nil {
			return err
		}
		for port := a.start; port < a.end; port++ {
			if used[port] {
				continue
			}
			allocated = port
			return tx.Model(&Project{}).Where("id = ?", projectID).
				Update("production_port", port).Error
		}
		return fmt.Errorf("no free production port in range %d-%d", a.start, a.end)
	})
	return allocated, err
}

func usedPorts(tx *gorm.DB) (map[int]bool, error) {
	var rows []Project
	if err := tx.Select("app_port", "opencode_port", "production_port").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan used ports: %w", err)
	}
	used := make(map[int]bool)
	for i := range rows {
		if rows[i].AppPort != 0 {
			used[rows[i].AppPort] = true
		}
		if rows[i].OpencodePort != 0 {
			used[rows[i].OpencodePort] = true
		}
		if rows[i].ProductionPort != 0 {
			used[rows[i].ProductionPort] = true
		}
	}
	return used, nil
}

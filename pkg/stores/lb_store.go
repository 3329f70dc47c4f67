package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
	"github.com/openfroyo/nexus/pkg/lb"
)

var (
	_ lb.Repository          = (*SQLiteStore)(nil)
	_ health.StateStore      = (*SQLiteStore)(nil)
	_ health.RebuildSignaler = (*SQLiteStore)(nil)
)

// CreateLoadBalancer inserts a load balancer and its ports atomically.
func (s *SQLiteStore) CreateLoadBalancer(ctx context.Context, l *lb.LoadBalancer, ports []lb.Port) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return createLoadBalancer(ctx, tx, l, ports)
	})
}

// CreateLoadBalancerWithStrand inserts a load balancer, its ports and the
// strand driving it in one transaction.
func (s *SQLiteStore) CreateLoadBalancerWithStrand(ctx context.Context, l *lb.LoadBalancer, ports []lb.Port, st *engine.Strand) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := createLoadBalancer(ctx, tx, l, ports); err != nil {
			return err
		}
		return s.createStrand(ctx, tx, st)
	})
}

func createLoadBalancer(ctx context.Context, tx *sql.Tx, l *lb.LoadBalancer, ports []lb.Port) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO load_balancers (id, name, project_id, hostname, stack, algorithm, update_pending, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Name, l.ProjectID, nullString(l.Hostname), l.Stack, l.Algorithm, boolInt(l.UpdatePending), toMillis(l.CreatedAt))
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("load balancer %q already exists", l.Name), err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(l.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create load balancer: %w", err)
	}

	for i := range ports {
		p := &ports[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.LoadBalancerID = l.ID
		if err := insertPort(ctx, tx, p); err != nil {
			return err
		}
	}
	return nil
}

func insertPort(ctx context.Context, tx *sql.Tx, p *lb.Port) error {
	hc := p.HealthCheck
	_, err := tx.ExecContext(ctx, `
		INSERT INTO load_balancer_ports (
			id, load_balancer_id, src_port, dst_port,
			health_check_endpoint, health_check_interval, health_check_timeout,
			health_check_up_threshold, health_check_down_threshold, health_check_protocol
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.LoadBalancerID, p.SrcPort, p.DstPort,
		hc.Endpoint, hc.Interval, hc.Timeout, hc.UpThreshold, hc.DownThreshold, hc.Protocol)
	if isUniqueViolation(err) {
		return engine.NewConflictError(fmt.Sprintf("port mapping %s already exists", p.Key()), err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(p.LoadBalancerID)
	}
	if err != nil {
		return engine.NewValidationError("failed to create port", err).WithResource(p.LoadBalancerID)
	}
	return nil
}

const lbColumns = `id, name, project_id, hostname, stack, algorithm, update_pending, created_at`

func scanLoadBalancer(row rowScanner) (*lb.LoadBalancer, error) {
	var (
		l         lb.LoadBalancer
		hostname  sql.NullString
		pending   int
		createdAt int64
	)
	if err := row.Scan(&l.ID, &l.Name, &l.ProjectID, &hostname, &l.Stack, &l.Algorithm, &pending, &createdAt); err != nil {
		return nil, err
	}
	l.Hostname = hostname.String
	l.UpdatePending = pending == 1
	l.CreatedAt = fromMillis(createdAt)
	return &l, nil
}

// GetLoadBalancer loads a load balancer by ID.
func (s *SQLiteStore) GetLoadBalancer(ctx context.Context, id string) (*lb.LoadBalancer, error) {
	l, err := scanLoadBalancer(s.db.QueryRowContext(ctx, `SELECT `+lbColumns+` FROM load_balancers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("load balancer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get load balancer: %w", err)
	}
	return l, nil
}

// SetHostname records the hostname of a load balancer.
func (s *SQLiteStore) SetHostname(ctx context.Context, id, hostname string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE load_balancers SET hostname = ? WHERE id = ?`, nullString(hostname), id)
	if err != nil {
		return fmt.Errorf("failed to set hostname: %w", err)
	}
	return expectOne(res, "load balancer", id)
}

// DeleteLoadBalancer removes a load balancer; ports and backend
// associations cascade.
func (s *SQLiteStore) DeleteLoadBalancer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM load_balancers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete load balancer: %w", err)
	}
	return expectOne(res, "load balancer", id)
}

// ListPorts returns the ports of a load balancer.
func (s *SQLiteStore) ListPorts(ctx context.Context, lbID string) ([]lb.Port, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, load_balancer_id, src_port, dst_port,
			health_check_endpoint, health_check_interval, health_check_timeout,
			health_check_up_threshold, health_check_down_threshold, health_check_protocol
		FROM load_balancer_ports
		WHERE load_balancer_id = ?
		ORDER BY src_port, dst_port
	`, lbID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}
	defer rows.Close()

	ports := []lb.Port{}
	for rows.Next() {
		var p lb.Port
		hc := &p.HealthCheck
		if err := rows.Scan(&p.ID, &p.LoadBalancerID, &p.SrcPort, &p.DstPort,
			&hc.Endpoint, &hc.Interval, &hc.Timeout, &hc.UpThreshold, &hc.DownThreshold, &hc.Protocol); err != nil {
			return nil, fmt.Errorf("failed to scan port: %w", err)
		}
		ports = append(ports, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ports: %w", err)
	}
	return ports, nil
}

// CreateVM inserts a VM.
func (s *SQLiteStore) CreateVM(ctx context.Context, vm *lb.VM) error {
	return createVM(ctx, s.db, vm)
}

// CreateVMWithStrand inserts a VM and the strand driving it in one
// transaction.
func (s *SQLiteStore) CreateVMWithStrand(ctx context.Context, vm *lb.VM, st *engine.Strand) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := createVM(ctx, tx, vm); err != nil {
			return err
		}
		return s.createStrand(ctx, tx, st)
	})
}

func createVM(ctx context.Context, db execer, vm *lb.VM) error {
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO vms (id, name, project_id, host_address, inhost_name, private_ipv4, ephemeral_net6, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, vm.ID, vm.Name, vm.ProjectID, vm.HostAddress, vm.InhostName,
		nullString(vm.PrivateIPv4), nullString(vm.EphemeralNet6), toMillis(vm.CreatedAt))
	if isUniqueViolation(err) {
		return engine.NewConflictError("vm already exists", err).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(vm.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create vm: %w", err)
	}
	return nil
}

const vmColumns = `id, name, project_id, host_address, inhost_name, private_ipv4, ephemeral_net6, created_at`

func scanVM(row rowScanner) (*lb.VM, error) {
	var (
		vm        lb.VM
		ipv4      sql.NullString
		net6      sql.NullString
		createdAt int64
	)
	if err := row.Scan(&vm.ID, &vm.Name, &vm.ProjectID, &vm.HostAddress, &vm.InhostName, &ipv4, &net6, &createdAt); err != nil {
		return nil, err
	}
	vm.PrivateIPv4 = ipv4.String
	vm.EphemeralNet6 = net6.String
	vm.CreatedAt = fromMillis(createdAt)
	return &vm, nil
}

// GetVM loads a VM by ID.
func (s *SQLiteStore) GetVM(ctx context.Context, id string) (*lb.VM, error) {
	vm, err := scanVM(s.db.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vms WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("vm", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vm: %w", err)
	}
	return vm, nil
}

// DeleteVM removes a VM; its backend associations cascade.
func (s *SQLiteStore) DeleteVM(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM vms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete vm: %w", err)
	}
	return expectOne(res, "vm", id)
}

// AttachVM creates a down association between vmID and every port of lbID.
func (s *SQLiteStore) AttachVM(ctx context.Context, lbID, vmID string) ([]lb.VmPort, error) {
	var out []lb.VmPort
	now := toMillis(time.Now())

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM load_balancer_ports WHERE load_balancer_id = ? ORDER BY src_port, dst_port`, lbID)
		if err != nil {
			return fmt.Errorf("failed to list ports: %w", err)
		}
		var portIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan port id: %w", err)
			}
			portIDs = append(portIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating ports: %w", err)
		}

		for _, portID := range portIDs {
			vp := lb.VmPort{
				ID:             uuid.New().String(),
				LoadBalancerID: lbID,
				PortID:         portID,
				VMID:           vmID,
				State:          health.StateDown,
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO load_balancer_vm_ports (id, load_balancer_id, load_balancer_port_id, vm_id, state, last_checked_at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, vp.ID, vp.LoadBalancerID, vp.PortID, vp.VMID, vp.State, now)
			if isUniqueViolation(err) {
				return engine.NewConflictError("vm already attached", err).
					WithCode(engine.ErrCodeAlreadyExists).
					WithResource(vmID)
			}
			if isForeignKeyViolation(err) {
				return engine.NewValidationError("unknown vm or load balancer", err).WithResource(vmID)
			}
			if err != nil {
				return fmt.Errorf("failed to attach vm: %w", err)
			}
			out = append(out, vp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DetachVM removes every association between lbID and vmID.
func (s *SQLiteStore) DetachVM(ctx context.Context, lbID, vmID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM load_balancer_vm_ports WHERE load_balancer_id = ? AND vm_id = ?`, lbID, vmID,
	); err != nil {
		return fmt.Errorf("failed to detach vm: %w", err)
	}
	return nil
}

// ListBackends returns the backends of lbID, or of every load balancer.
func (s *SQLiteStore) ListBackends(ctx context.Context, lbID string) ([]lb.Backend, error) {
	query := `
		SELECT
			l.id, l.name, l.project_id, l.hostname, l.stack, l.algorithm, l.update_pending, l.created_at,
			p.id, p.src_port, p.dst_port,
			p.health_check_endpoint, p.health_check_interval, p.health_check_timeout,
			p.health_check_up_threshold, p.health_check_down_threshold, p.health_check_protocol,
			v.id, v.name, v.project_id, v.host_address, v.inhost_name, v.private_ipv4, v.ephemeral_net6, v.created_at,
			vp.id, vp.state, vp.reading, vp.reading_rpt, vp.reading_chg, vp.pulse_data, vp.last_checked_at
		FROM load_balancer_vm_ports vp
		JOIN load_balancers l ON l.id = vp.load_balancer_id
		JOIN load_balancer_ports p ON p.id = vp.load_balancer_port_id
		JOIN vms v ON v.id = vp.vm_id
	`
	var args []any
	if lbID != "" {
		query += ` WHERE vp.load_balancer_id = ?`
		args = append(args, lbID)
	}
	query += ` ORDER BY l.id, p.src_port, p.dst_port, v.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}
	defer rows.Close()

	backends := []lb.Backend{}
	for rows.Next() {
		var (
			b                    lb.Backend
			hostname, ipv4, net6 sql.NullString
			pending              int
			lbCreated, vmCreated int64
			reading, data        sql.NullString
			readingRpt           int
			readingChg           sql.NullInt64
			lastChecked          int64
		)
		l, p, v, vp := &b.LoadBalancer, &b.Port, &b.VM, &b.VmPort
		hc := &p.HealthCheck
		if err := rows.Scan(
			&l.ID, &l.Name, &l.ProjectID, &hostname, &l.Stack, &l.Algorithm, &pending, &lbCreated,
			&p.ID, &p.SrcPort, &p.DstPort,
			&hc.Endpoint, &hc.Interval, &hc.Timeout, &hc.UpThreshold, &hc.DownThreshold, &hc.Protocol,
			&v.ID, &v.Name, &v.ProjectID, &v.HostAddress, &v.InhostName, &ipv4, &net6, &vmCreated,
			&vp.ID, &vp.State, &reading, &readingRpt, &readingChg, &data, &lastChecked,
		); err != nil {
			return nil, fmt.Errorf("failed to scan backend: %w", err)
		}

		l.Hostname = hostname.String
		l.UpdatePending = pending == 1
		l.CreatedAt = fromMillis(lbCreated)
		p.LoadBalancerID = l.ID
		v.PrivateIPv4 = ipv4.String
		v.EphemeralNet6 = net6.String
		v.CreatedAt = fromMillis(vmCreated)
		vp.LoadBalancerID = l.ID
		vp.PortID = p.ID
		vp.VMID = v.ID
		pulse, err := decodePulse(reading, readingRpt, readingChg, data, lastChecked)
		if err != nil {
			return nil, err
		}
		vp.Pulse = pulse
		backends = append(backends, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backends: %w", err)
	}
	return backends, nil
}

// MarkRebuildPending raises the rebuild flag of a load balancer with a
// single conditional update and wakes its strand when the flag was raised.
func (s *SQLiteStore) MarkRebuildPending(ctx context.Context, lbID string) (bool, error) {
	var raised bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE load_balancers SET update_pending = 1 WHERE id = ? AND update_pending = 0`, lbID)
		if err != nil {
			return fmt.Errorf("failed to mark rebuild pending: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM load_balancers WHERE id = ?`, lbID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check load balancer: %w", err)
			}
			if exists == 0 {
				return engine.NewNotFoundError("load balancer", lbID)
			}
			return nil
		}

		raised = true
		if err := s.wake(ctx, tx, lbID); err != nil && !engine.IsNotFound(err) {
			return err
		}
		return nil
	})
	return raised, err
}

// ConsumeRebuildPending clears the rebuild flag and reports whether it was
// raised.
func (s *SQLiteStore) ConsumeRebuildPending(ctx context.Context, lbID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE load_balancers SET update_pending = 0 WHERE id = ? AND update_pending = 1`, lbID)
	if err != nil {
		return false, fmt.Errorf("failed to consume rebuild flag: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadHealth returns the state and pulse of a backend association.
func (s *SQLiteStore) LoadHealth(ctx context.Context, key string) (health.State, health.Pulse, error) {
	var (
		state       health.State
		reading     sql.NullString
		readingRpt  int
		readingChg  sql.NullInt64
		data        sql.NullString
		lastChecked int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, reading, reading_rpt, reading_chg, pulse_data, last_checked_at
		FROM load_balancer_vm_ports WHERE id = ?
	`, key).Scan(&state, &reading, &readingRpt, &readingChg, &data, &lastChecked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", health.Pulse{}, engine.NewNotFoundError("backend", key)
	}
	if err != nil {
		return "", health.Pulse{}, fmt.Errorf("failed to load health: %w", err)
	}

	pulse, err := decodePulse(reading, readingRpt, readingChg, data, lastChecked)
	if err != nil {
		return "", health.Pulse{}, err
	}
	return state, pulse, nil
}

// RecordHealth stores the state and pulse of a backend association.
func (s *SQLiteStore) RecordHealth(ctx context.Context, key string, state health.State, pulse health.Pulse) error {
	var data sql.NullString
	if len(pulse.Data) > 0 {
		b, err := json.Marshal(pulse.Data)
		if err != nil {
			return fmt.Errorf("failed to encode pulse data: %w", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	var readingChg sql.NullInt64
	if !pulse.ReadingChg.IsZero() {
		readingChg = sql.NullInt64{Int64: toMillis(pulse.ReadingChg), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE load_balancer_vm_ports
		SET state = ?, reading = ?, reading_rpt = ?, reading_chg = ?, pulse_data = ?, last_checked_at = ?
		WHERE id = ?
	`, state, nullString(string(pulse.Reading)), pulse.ReadingRpt, readingChg, data, toMillis(pulse.LastCheckedAt), key)
	if err != nil {
		return fmt.Errorf("failed to record health: %w", err)
	}
	return expectOne(res, "backend", key)
}

func decodePulse(reading sql.NullString, rpt int, chg sql.NullInt64, data sql.NullString, lastChecked int64) (health.Pulse, error) {
	if !reading.Valid {
		return health.Pulse{}, nil
	}
	p := health.Pulse{
		Reading:       health.Reading(reading.String),
		ReadingRpt:    rpt,
		LastCheckedAt: fromMillis(lastChecked),
	}
	if chg.Valid {
		p.ReadingChg = fromMillis(chg.Int64)
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &p.Data); err != nil {
			return health.Pulse{}, fmt.Errorf("failed to decode pulse data: %w", err)
		}
	}
	return p, nil
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NewNotFoundError(kind, id)
	}
	return nil
}

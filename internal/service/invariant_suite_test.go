package service_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/suite"

	"stock-ledger/internal/models"
)

var invariantProducts = []string{"P1", "P2", "P3", "P4"}

// InvariantSuite drives seeded random operation sequences through every
// mutating service and checks the ledger after each step.
type InvariantSuite struct {
	suite.Suite
	ctx    context.Context
	f      *fixture
	rnd    *rand.Rand
	active map[string]*models.Reservation
	step   int
}

func (s *InvariantSuite) SetupTest() {
	s.ctx = context.Background()
	s.f = newFixture(s.T())
	s.rnd = rand.New(rand.NewPCG(7, 11))
	s.active = make(map[string]*models.Reservation)
	s.step = 0
	for _, productID := range invariantProducts {
		s.f.provision(s.T(), productID, 10)
	}
}

func TestInvariantSuite(t *testing.T) {
	suite.Run(t, new(InvariantSuite))
}

func (s *InvariantSuite) TestRandomSequenceKeepsQuantitiesConsistent() {
	for i := 0; i < 300; i++ {
		s.randomStep()
		s.assertInvariant()
	}
	s.assertHeldMatchesActiveReservations()
}

func (s *InvariantSuite) TestReplayedReserveAddsNoMovements() {
	for i := 0; i < 100; i++ {
		s.randomStep()
	}

	s.f.provision(s.T(), "P9", 50)
	first, err := s.f.reservations.Reserve(s.ctx, "replay-order", "replay-key",
		[]models.ReservationLine{line("P9", 3)})
	s.Require().NoError(err)

	before := len(s.f.movements(s.T(), "P9"))
	again, err := s.f.reservations.Reserve(s.ctx, "replay-order", "replay-key", first.Lines)
	s.Require().NoError(err)
	s.Equal(first.ReservationID, again.ReservationID)
	s.Len(s.f.movements(s.T(), "P9"), before)
	s.assertInvariant()
}

func (s *InvariantSuite) randomStep() {
	s.step++
	productID := invariantProducts[s.rnd.IntN(len(invariantProducts))]

	switch s.rnd.IntN(5) {
	case 0, 1:
		lines := make([]models.ReservationLine, 1+s.rnd.IntN(3))
		for i := range lines {
			lines[i] = line(invariantProducts[s.rnd.IntN(len(invariantProducts))], 1+s.rnd.Int64N(6))
		}
		orderID := fmt.Sprintf("O%d", s.step)
		r, err := s.f.reservations.Reserve(s.ctx, orderID, "k-"+orderID, lines)
		if err != nil {
			s.Require().Equal(models.ErrorCodeInsufficientStock, models.CodeOf(err), err)
			return
		}
		s.active[orderID] = r

	case 2:
		for orderID := range s.active {
			var err error
			if s.rnd.IntN(2) == 0 {
				_, err = s.f.reservations.Release(s.ctx, orderID)
			} else {
				_, err = s.f.reservations.Commit(s.ctx, orderID)
			}
			s.Require().NoError(err)
			delete(s.active, orderID)
			break
		}

	case 3:
		_, err := s.f.supply.Restock(s.ctx, productID, 1+s.rnd.Int64N(5), "acme", "")
		s.Require().NoError(err)

	case 4:
		result, err := s.f.supply.BulkAdjust(s.ctx,
			[]models.BulkItem{{ProductID: productID, NewTotal: s.rnd.Int64N(21)}},
			fmt.Sprintf("bulk-%d", s.step))
		s.Require().NoError(err)
		s.Require().Len(result.Items, 1)
	}
}

func (s *InvariantSuite) assertInvariant() {
	for _, productID := range invariantProducts {
		rec := s.f.stock(s.T(), productID)
		s.GreaterOrEqual(rec.ReservedQuantity, int64(0), productID)
		s.LessOrEqual(rec.ReservedQuantity, rec.TotalQuantity, productID)

		report, err := s.f.ledger.Verify(s.ctx, productID)
		s.Require().NoError(err)
		s.True(report.Consistent, "%s drifted: %+v", productID, report)
	}
}

func (s *InvariantSuite) assertHeldMatchesActiveReservations() {
	held := make(map[string]int64)
	for _, r := range s.active {
		for _, l := range r.Lines {
			held[l.ProductID] += l.Quantity
		}
	}
	for _, productID := range invariantProducts {
		s.Equal(held[productID], s.f.stock(s.T(), productID).ReservedQuantity, productID)
	}
}

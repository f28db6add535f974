package simulator

// ReflectFloor returns the velocity after an elastic bounce off the floor.
// The floor has infinite mass.
func ReflectFloor(v float64) float64 {
	return -v
}

// ElasticCollision returns the velocities of two bodies after a
// one-dimensional elastic collision.
//
//	v1' = (m1-m2)/(m1+m2)*v1 + 2*m2/(m1+m2)*v2
//	v2' = 2*m1/(m1+m2)*v1 - (m1-m2)/(m1+m2)*v2
func ElasticCollision(m1, v1, m2, v2 float64) (float64, float64) {
	total := m1 + m2
	diff := (m1 - m2) / total
	v1After := diff*v1 + (2*m2/total)*v2
	v2After := (2*m1/total)*v1 - diff*v2
	return v1After, v2After
}
